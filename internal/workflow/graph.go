package workflow

import (
	"fmt"

	"flotilla/internal/api"
)

// topoSort returns a topological ordering of the definition's nodes using
// Kahn's algorithm. Ties are broken by the node's position in the definition's
// nodes slice, so the order is deterministic for a given document and log
// output is stable across runs.
func topoSort(def *api.WorkflowDefinition) ([]string, error) {
	position := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		position[n.ID] = i
	}

	indegree := make(map[string]int, len(def.Nodes))
	successors := make(map[string][]string)
	for _, n := range def.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range def.Edges {
		if _, ok := position[e.Source]; !ok {
			return nil, fmt.Errorf("edge references unknown source node %q", e.Source)
		}
		if _, ok := position[e.Target]; !ok {
			return nil, fmt.Errorf("edge references unknown target node %q", e.Target)
		}
		successors[e.Source] = append(successors[e.Source], e.Target)
		indegree[e.Target]++
	}

	var ready []string
	for _, n := range def.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(def.Nodes))
	for len(ready) > 0 {
		// Pick the ready node that appears earliest in the definition.
		best := 0
		for i := 1; i < len(ready); i++ {
			if position[ready[i]] < position[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)

		for _, succ := range successors[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(order) != len(def.Nodes) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("workflow %q contains a cycle involving %d node(s)", def.Name, len(stuck))
	}
	return order, nil
}

// predecessors returns the incoming-edge map of the definition.
func predecessors(def *api.WorkflowDefinition) map[string][]string {
	preds := make(map[string][]string)
	for _, e := range def.Edges {
		preds[e.Target] = append(preds[e.Target], e.Source)
	}
	return preds
}

// exclusiveDescendants computes the set of nodes reachable only through root:
// root itself plus, by fixpoint, every node all of whose predecessors are
// already in the set. Used to skip the untaken branch of an if node without
// touching nodes that are also fed from outside the branch.
func exclusiveDescendants(def *api.WorkflowDefinition, root string) map[string]bool {
	preds := predecessors(def)
	skipped := map[string]bool{root: true}

	for changed := true; changed; {
		changed = false
		for _, n := range def.Nodes {
			if skipped[n.ID] {
				continue
			}
			ps := preds[n.ID]
			if len(ps) == 0 {
				continue
			}
			all := true
			for _, p := range ps {
				if !skipped[p] {
					all = false
					break
				}
			}
			if all {
				skipped[n.ID] = true
				changed = true
			}
		}
	}
	return skipped
}

// managedNodes returns the ids of nodes owned by a try_catch controller. Owned
// nodes run only when their controller invokes them and are excluded from
// top-level scheduling.
func managedNodes(def *api.WorkflowDefinition) map[string]bool {
	owned := make(map[string]bool)
	for _, n := range def.Nodes {
		if n.Type != api.NodeTypeTryCatch || n.TryCatch == nil {
			continue
		}
		for _, id := range []string{n.TryCatch.TryNode, n.TryCatch.CatchNode, n.TryCatch.FinallyNode} {
			if id != "" {
				owned[id] = true
			}
		}
	}
	return owned
}

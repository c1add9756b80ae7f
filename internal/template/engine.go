package template

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// refPattern matches ${…} references inside strings.
var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolver substitutes ${…} references in a node's parameter tree against a
// resolution scope built by the engine (node results, variables and a params
// map merged into one namespace).
type Resolver struct {
	scope map[string]interface{}

	// lookupEnv is swappable for tests.
	lookupEnv func(string) (string, bool)
}

// NewResolver creates a resolver over the given scope.
func NewResolver(scope map[string]interface{}) *Resolver {
	if scope == nil {
		scope = map[string]interface{}{}
	}
	return &Resolver{scope: scope, lookupEnv: os.LookupEnv}
}

// Resolve recursively substitutes references in strings, maps and slices.
// Non-templatable types are returned as-is.
func (r *Resolver) Resolve(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.ResolveString(v)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for key, val := range v {
			rv, err := r.Resolve(val)
			if err != nil {
				return nil, fmt.Errorf("in key %q: %w", key, err)
			}
			resolved[key] = rv
		}
		return resolved, nil
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, val := range v {
			rv, err := r.Resolve(val)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		return value, nil
	}
}

// ResolveString substitutes references in one string. A string that is
// exactly one reference returns the referenced value with its type preserved;
// references embedded in surrounding text are serialised into the string
// (strings verbatim, other values as JSON).
func (r *Resolver) ResolveString(s string) (interface{}, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Entire-string reference: preserve the raw value.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return r.lookup(s[matches[0][2]:matches[0][3]])
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		value, err := r.lookup(s[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		sb.WriteString(serialise(value))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

// lookup resolves a single reference expression.
func (r *Resolver) lookup(ref string) (interface{}, error) {
	ref = strings.TrimSpace(ref)

	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		value, found := r.lookupEnv(name)
		if !found {
			return nil, fmt.Errorf("environment variable %q is not set", name)
		}
		return value, nil
	}

	parts := strings.Split(ref, ".")
	root, ok := r.scope[parts[0]]
	if !ok {
		return nil, fmt.Errorf("unknown reference %q", parts[0])
	}

	// Dot-path navigation; a missing intermediate resolves to null rather
	// than failing the node.
	current := root
	for _, part := range parts[1:] {
		switch v := current.(type) {
		case map[string]interface{}:
			current = v[part]
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, nil
			}
			current = v[idx]
		default:
			return nil, nil
		}
		if current == nil {
			return nil, nil
		}
	}
	return current, nil
}

// serialise renders a substituted value for embedding in surrounding text.
func serialise(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// References returns the reference expressions found in a value tree, in
// encounter order without duplicates. Used for validation diagnostics.
func References(value interface{}) []string {
	seen := make(map[string]bool)
	var refs []string
	collectReferences(value, seen, &refs)
	return refs
}

func collectReferences(value interface{}, seen map[string]bool, refs *[]string) {
	switch v := value.(type) {
	case string:
		for _, m := range refPattern.FindAllStringSubmatch(v, -1) {
			ref := strings.TrimSpace(m[1])
			if !seen[ref] {
				seen[ref] = true
				*refs = append(*refs, ref)
			}
		}
	case map[string]interface{}:
		for _, val := range v {
			collectReferences(val, seen, refs)
		}
	case []interface{}:
		for _, val := range v {
			collectReferences(val, seen, refs)
		}
	}
}

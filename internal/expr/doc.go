// Package expr implements the safe expression evaluator used by workflow
// conditionals and set nodes.
//
// Expressions are parsed into a closed AST: literals, identifier references
// into a caller-supplied variable map, arithmetic, chained comparisons,
// short-circuiting boolean logic, membership tests and calls to a fixed
// function whitelist (len, str, int, float, bool, abs, min, max). There is no
// attribute access, no subscription, no assignment and no way to reach code:
// any construct outside the whitelist fails parsing or evaluation with an
// api.UnsafeExpressionError naming the offending construct.
//
// The evaluator is deliberately hand-written rather than delegating to a
// general-purpose expression library: the whole point of the component is
// that the reachable surface is enumerable.
package expr

// Package template implements the ${…} parameter substitution applied to a
// node's parameter tree immediately before its handler runs.
//
// Reference forms:
//
//	${env:NAME}            environment variable; missing fails the node
//	${node_id}             the entire result of a prior node
//	${node_id.path.to}     dot-path into a prior result; missing -> null
//	${varname}             execution variable
//	${params.x}            workflow input parameter
//
// A string consisting of exactly one reference keeps the referenced value's
// type; references embedded in surrounding text are serialised into the
// string (strings verbatim, everything else as JSON).
package template

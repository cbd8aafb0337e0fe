// Package protocol owns the row contract shared by flight streams and the
// bridge socket.
//
// Ownership boundary:
// - row tags and the Row type
// - frame/header primitives (frame)
// - tlv payload primitives (tlv)
// - required-field validation for control rows (schema)
// - bridge session helpers (session)
package protocol

// Package session owns the bridge socket session helpers.
//
// Ownership boundary:
// - hello/hello-ack control rows and protocol version negotiation
// - event row wire helpers
// - retry/backoff and in-flight request bookkeeping
// - transport security validation and tls config builders
package session

// Package ctxkey defines typed keys for context.Value.
package ctxkey

// Key keeps context keys off the built-in string type (staticcheck SA1029).
type Key string

// RequestID is the server-generated or caller-supplied request id. Set by
// middleware.RequestLogger and echoed in error response bodies.
const RequestID Key = "ctx_request_id"

// Package request assigns a correlation id to every client connection the
// external listener accepts, so the chunked RESPONSE stream and the
// eventual FAILURE packet a single request may produce can be tied back
// together in logs even though they are handled by different goroutines
// (the accept worker, the receive loop, and the gateway's egress loop all
// touch the same request at different times).
//
// This is purely a logging aid: it is never placed on the wire (the
// packet layouts are fixed and carry no such field) and never used to
// route a packet back to a socket; responses reach the client by dialing
// back to its address, not by correlating sockets.
package request

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New generates a fresh request id for a newly accepted client connection.
func New() string {
	return uuid.NewString()
}

// WithID attaches id to ctx for later retrieval by ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// ID returns the request id attached to ctx, or "" if none was attached.
func ID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

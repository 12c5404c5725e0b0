package client

import (
	"context"

	"github.com/aretw0/tessera/pkg/protocol"
)

// Transport carries requests to a host and callbacks back from it.
//
// Implementations hand callbacks to the Listen handler one at a time, in the
// order the host produced them for this session. The handler never blocks
// for long: it only queues the callback for its source.
type Transport interface {
	// Call sends req and waits for the response with the same ID.
	Call(ctx context.Context, req protocol.Request) (protocol.Response, error)
	// Listen installs the callback handler. It is called once, before the
	// first request.
	Listen(handler func(protocol.Callback))
	// Done is closed when the connection is gone.
	Done() <-chan struct{}
	// Close ends the connection.
	Close(ctx context.Context) error
}

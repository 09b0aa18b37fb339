package interfaces

import "context"

// -----------------------------------------------------------------------------
// IFrameSender is the upstream socket as seen by the subscription broker.
// -----------------------------------------------------------------------------

type IFrameSender interface {

	// Send writes one text frame. It fails with not-connected when the socket is down.
	Send(frame string) error

	// Running reports whether the socket is open.
	Running() bool
}

// -----------------------------------------------------------------------------
// ISession is one upstream socket lifecycle for an account.
// -----------------------------------------------------------------------------

type ISession interface {
	IFrameSender

	// Start boots the connect loop; a no-op while already started.
	Start()

	// Shutdown closes the socket and waits for the loop to exit.
	Shutdown(ctx context.Context) error

	// State returns the current lifecycle state name.
	State() string
}

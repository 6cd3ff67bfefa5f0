package mock

import (
	"context"
	"io"
	"sync"
)

// Pipe is an in-memory duplex connection to a running mock server.
type Pipe struct {
	// Reader yields the server's output.
	Reader io.Reader
	// Writer feeds the server's input.
	Writer io.Writer

	serverIn  *io.PipeReader
	clientOut *io.PipeWriter
	serverOut *io.PipeWriter
	cancel    context.CancelFunc
	once      sync.Once
}

// Connect starts s on a pair of in-memory pipes.
func (s *Server) Connect(ctx context.Context) *Pipe {
	ctx, cancel := context.WithCancel(ctx)
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()

	p := &Pipe{
		Reader:    clientIn,
		Writer:    clientOut,
		serverIn:  serverIn,
		clientOut: clientOut,
		serverOut: serverOut,
		cancel:    cancel,
	}

	go func() {
		_ = s.Listen(ctx, serverIn, serverOut)
		p.Close()
	}()
	return p
}

// Close stops the server and breaks both directions, which the client side
// observes as EOF.
func (p *Pipe) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.clientOut.Close()
		p.serverIn.Close()
		p.serverOut.Close()
	})
	return nil
}

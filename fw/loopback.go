package fw

import "context"

// Handler answers requests on the device side of a transport.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Loopback is an in-process Transport that hands each request to a
// Handler on its own goroutine and stops waiting when the request
// context is done.
type Loopback struct {
	h Handler
}

var _ Transport = (*Loopback)(nil)

// NewLoopback returns a transport answered by h.
func NewLoopback(h Handler) *Loopback {
	return &Loopback{h: h}
}

type result struct {
	resp Response
	err  error
}

// RoundTrip implements Transport.
func (l *Loopback) RoundTrip(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := l.h.Handle(ctx, req)
		ch <- result{resp, err}
	}()
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

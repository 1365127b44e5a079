package admission

import (
	"context"
	"sync"

	"github.com/marmos91/dittodav/pkg/dav"
)

// Ticket is the completion handle of an admitted request. It resolves
// exactly once, with either a response or an error.
type Ticket struct {
	req *dav.Request
	ctx context.Context

	once sync.Once
	done chan struct{}
	resp *dav.Response
	err  error
}

func newTicket(ctx context.Context, req *dav.Request) *Ticket {
	return &Ticket{req: req, ctx: ctx, done: make(chan struct{})}
}

// Request returns the admitted request, with its final priority.
func (t *Ticket) Request() *dav.Request { return t.req }

// Done is closed once the ticket resolves.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result blocks until the ticket resolves and returns the outcome.
func (t *Ticket) Result() (*dav.Response, error) {
	<-t.done
	return t.resp, t.err
}

// Wait is Result bounded by ctx. Giving up does not withdraw the request;
// it still runs unless the context it was submitted with is cancelled.
func (t *Ticket) Wait(ctx context.Context) (*dav.Response, error) {
	select {
	case <-t.done:
		return t.resp, t.err
	case <-ctx.Done():
		return nil, dav.WrapError(dav.KindCancelled, ctx.Err(), "stopped waiting for %s", t.req.ID())
	}
}

// resolve sets the outcome. Only the first call has an effect.
func (t *Ticket) resolve(resp *dav.Response, err error) bool {
	resolved := false
	t.once.Do(func() {
		t.resp, t.err = resp, err
		close(t.done)
		resolved = true
	})
	return resolved
}

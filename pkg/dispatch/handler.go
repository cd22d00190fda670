package dispatch

import (
	"context"
	"fmt"

	"github.com/sdcio/dsruntime/pkg/engine"
)

// Model selects how the callbacks of a subscription are scheduled.
type Model int

const (
	// Blocking runs the callbacks of a subscription on a goroutine of its
	// own, one event after the other.
	Blocking Model = iota
	// Cooperative runs the callbacks as tasks on the shared worker pool of
	// the registry, still one at a time per subscription.
	Cooperative
)

func (m Model) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case Cooperative:
		return "cooperative"
	}
	return fmt.Sprintf("model(%d)", int(m))
}

// Handler runs the callback of a subscription for one event. The returned
// reply answers the event.
type Handler interface {
	Handle(ctx context.Context, ev *engine.Event) engine.Reply
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *engine.Event) engine.Reply

func (f HandlerFunc) Handle(ctx context.Context, ev *engine.Event) engine.Reply {
	return f(ctx, ev)
}

type invocationKey struct{}

type invocation struct {
	reg *Registry
	sub uint32
}

func withInvocation(ctx context.Context, reg *Registry, sub uint32) context.Context {
	return context.WithValue(ctx, invocationKey{}, invocation{reg: reg, sub: sub})
}

// Invocation returns the registry and the subscription id when ctx is the
// context of a running callback.
func Invocation(ctx context.Context) (*Registry, uint32, bool) {
	inv, ok := ctx.Value(invocationKey{}).(invocation)
	if !ok {
		return nil, 0, false
	}
	return inv.reg, inv.sub, true
}

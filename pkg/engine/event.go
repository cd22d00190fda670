package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
)

// Phase is the kind of an event.
type Phase int

const (
	PhaseUpdate Phase = iota
	PhaseChange
	PhaseDone
	PhaseAbort
	PhaseEnabled
	PhaseRPC
	PhaseOperPull
	PhaseNotification
)

func (p Phase) String() string {
	switch p {
	case PhaseUpdate:
		return "update"
	case PhaseChange:
		return "change"
	case PhaseDone:
		return "done"
	case PhaseAbort:
		return "abort"
	case PhaseEnabled:
		return "enabled"
	case PhaseRPC:
		return "rpc"
	case PhaseOperPull:
		return "operational-pull"
	case PhaseNotification:
		return "notification"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// SubKind is the kind of a subscription.
type SubKind int

const (
	SubModuleChange SubKind = iota
	SubOperData
	SubRPC
	SubNotification
)

func (k SubKind) String() string {
	switch k {
	case SubModuleChange:
		return "module-change"
	case SubOperData:
		return "operational-data"
	case SubRPC:
		return "rpc"
	case SubNotification:
		return "notification"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SubFlags are the options of a subscription.
type SubFlags uint32

const (
	// FlagDoneOnly subscribers only see the done phase and cannot veto.
	FlagDoneOnly SubFlags = 1 << iota
	// FlagPassive subscribers watch data they do not own.
	FlagPassive
	// FlagEnabled subscribers get the current configuration on
	// registration.
	FlagEnabled
	// FlagUpdate subscribers get the update phase and may add edits.
	FlagUpdate
	// FlagOperMerge keeps the stored operational data below the path of an
	// operational subscriber and merges the pulled data into it.
	FlagOperMerge
)

func (f SubFlags) Has(flag SubFlags) bool { return f&flag != 0 }

// NotifType tells a sent notification apart from the replayed ones and
// from the markers the engine adds to a notification subscription.
type NotifType int

const (
	NotifRealtime NotifType = iota
	NotifReplay
	// NotifReplayComplete follows the last replayed notification.
	NotifReplayComplete
	// NotifStop is the last event of a subscription whose stop time passed.
	NotifStop
)

func (t NotifType) String() string {
	switch t {
	case NotifRealtime:
		return "realtime"
	case NotifReplay:
		return "replay"
	case NotifReplayComplete:
		return "replay-complete"
	case NotifStop:
		return "stop"
	}
	return fmt.Sprintf("notif-type(%d)", int(t))
}

// SubscribeRequest registers a subscription with the engine.
type SubscribeRequest struct {
	ID        uint32
	Kind      SubKind
	Datastore Datastore
	Module    string
	// Path narrows the subscription, empty selects the whole module.
	Path     string
	Priority uint32
	Flags    SubFlags
	// StartTime replays the logged notifications sent since then, only
	// for notification subscriptions.
	StartTime time.Time
	// StopTime ends a notification subscription.
	StopTime time.Time
}

// ExtraInfo describes the session an event originates from.
type ExtraInfo struct {
	Originator string
	NetconfID  uint32
	User       string
}

// Event is one callback invocation requested by the engine. An Event is
// answered exactly once with Respond.
type Event struct {
	SubID     uint32
	Kind      SubKind
	Phase     Phase
	RequestID uint32
	Datastore Datastore
	Module    string
	// Path is the subscription path for change events, the requested path
	// for operational pulls and the operation path for rpcs and
	// notifications.
	Path string
	// Config holds the datastore content the change events refer to: the
	// new content for update, change, enabled and done, the previous one
	// for abort.
	Config *tree.Node
	// Changes of the transaction relevant to the subscriber.
	Changes []*tree.Change
	// Input is the operation node of an rpc or action, or the
	// notification node.
	Input     *tree.Node
	NotifType NotifType
	Timestamp time.Time
	Info      ExtraInfo

	once  sync.Once
	reply chan Reply
}

// Reply answers an Event.
type Reply struct {
	Err error
	// Gone is set when the subscription disappeared before the event was
	// handled.
	Gone bool
	// Data is the content returned by an operational pull or the edit an
	// update callback adds, both rooted trees. For an rpc it is the
	// operation node holding the output.
	Data *tree.Node
}

// NewEvent returns an Event for subscription sub.
func NewEvent(sub uint32, kind SubKind, phase Phase) *Event {
	return &Event{
		SubID: sub,
		Kind:  kind,
		Phase: phase,
		reply: make(chan Reply, 1),
	}
}

// Respond answers the event, later calls are ignored.
func (e *Event) Respond(r Reply) {
	e.once.Do(func() {
		e.reply <- r
	})
}

// Wait blocks until the event is answered. A timeout or a done ctx yields
// a TimeoutError.
func (e *Event) Wait(ctx context.Context, timeout time.Duration) (Reply, error) {
	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}
	select {
	case r := <-e.reply:
		return r, nil
	case <-tc:
		return Reply{}, types.NewTimeoutError("subscription %d did not answer the %s event of request %d within %s", e.SubID, e.Phase, e.RequestID, timeout)
	case <-ctx.Done():
		return Reply{}, types.NewTimeoutError("waiting for subscription %d: %v", e.SubID, ctx.Err())
	}
}

func (e *Event) String() string {
	return fmt.Sprintf("%s/%s sub=%d req=%d path=%s", e.Kind, e.Phase, e.SubID, e.RequestID, e.Path)
}

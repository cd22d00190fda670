// Copyright 2024 Nokia
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine defines the contract between the session runtime and a
// datastore engine: connections, sessions, subscriptions and the event
// records the engine hands to subscribers.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"

	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
)

// Datastore identifies one of the logical stores of an engine.
type Datastore int

const (
	Running Datastore = iota
	Candidate
	Startup
	Operational
	FactoryDefault
)

func (d Datastore) String() string {
	switch d {
	case Running:
		return "running"
	case Candidate:
		return "candidate"
	case Startup:
		return "startup"
	case Operational:
		return "operational"
	case FactoryDefault:
		return "factory-default"
	}
	return fmt.Sprintf("datastore(%d)", int(d))
}

// IsConventional reports whether d holds configuration edited through the
// two-phase commit protocol.
func (d Datastore) IsConventional() bool {
	switch d {
	case Running, Candidate, Startup:
		return true
	}
	return false
}

// ParseDatastore accepts the names returned by Datastore.String.
func ParseDatastore(s string) (Datastore, error) {
	switch strings.ToLower(s) {
	case "running", "":
		return Running, nil
	case "candidate":
		return Candidate, nil
	case "startup":
		return Startup, nil
	case "operational":
		return Operational, nil
	case "factory-default":
		return FactoryDefault, nil
	}
	return Running, fmt.Errorf("unknown datastore %q", s)
}

// EditOperation is the default operation of a batch edit.
type EditOperation string

const (
	EditMerge   EditOperation = "merge"
	EditReplace EditOperation = "replace"
)

// GetOptions tune a read.
type GetOptions struct {
	// NoState leaves config false nodes out.
	NoState bool
	// NoConfig leaves config true nodes out, list keys excepted.
	NoConfig bool
	// NoSubs skips the operational data subscribers.
	NoSubs bool
	// NoStored skips the data pushed into the operational datastore.
	NoStored bool
	// Timeout bounds each operational pull, the engine default applies
	// when zero.
	Timeout time.Duration
}

// Engine is a datastore engine the runtime connects to.
type Engine interface {
	Name() string
	Connect(ctx context.Context) (Conn, error)
	Close(ctx context.Context) error
}

// Conn is one connection to an engine. Events for every subscription made
// through it are delivered to its single EventSource.
type Conn interface {
	ID() string
	SchemaContext() *schema.Context
	StartSession(ctx context.Context, ds Datastore) (Session, error)
	Events() *EventSource
	// Subscribe registers req.ID, issued by the caller, with the engine.
	Subscribe(ctx context.Context, req *SubscribeRequest) error
	// Unsubscribe removes the subscription, events not yet delivered are
	// dropped.
	Unsubscribe(ctx context.Context, id uint32) error
	Close(ctx context.Context) error
}

// Session is a datastore session of a Conn. Paths use the syntax of
// schema.ParsePath. A Session is not safe for concurrent edits.
type Session interface {
	ID() uint32
	Datastore() Datastore
	SwitchDatastore(ds Datastore) error
	SetExtraInfo(info ExtraInfo)

	// Get returns a tree holding the nodes path selects with their
	// ancestors. Defaults are filled in and flagged.
	Get(ctx context.Context, path string, opts *GetOptions) (*tree.Node, error)

	SetItem(path string, value *gnmi.TypedValue) error
	DeleteItem(path string) error
	MoveItem(path string, pos tree.Position, anchor string) error
	EditBatch(edit *tree.Node, op EditOperation) error
	// DeleteOperItem hides path from the operational datastore.
	DeleteOperItem(path string) error
	// DiscardItems drops the operational data this session pushed below
	// path.
	DiscardItems(path string) error
	HasChanges() bool
	Validate(ctx context.Context) error
	Apply(ctx context.Context, timeout time.Duration) error
	Discard() error
	ReplaceConfig(ctx context.Context, config *tree.Node, module string, timeout time.Duration) error
	CopyConfig(ctx context.Context, src Datastore, module string, timeout time.Duration) error

	Lock(ctx context.Context, module string, timeout time.Duration) error
	Unlock(module string) error

	// RPCSend invokes the rpc or action input is the operation node of,
	// returning the operation node of the output.
	RPCSend(ctx context.Context, input *tree.Node, timeout time.Duration) (*tree.Node, error)
	NotificationSend(ctx context.Context, notif *tree.Node) error

	Stop(ctx context.Context) error
}

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

package dispatch

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/types"
)

const defaultPollInterval = 100 * time.Millisecond

// Loop moves the events of an event source to the registry. Exactly one
// Run may be active per source; ProcessEvents can be driven by any poller
// watching Fd.
type Loop struct {
	src      *engine.EventSource
	reg      *Registry
	interval time.Duration
	running  chan struct{}
}

func NewLoop(src *engine.EventSource, reg *Registry, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Loop{
		src:      src,
		reg:      reg,
		interval: interval,
		running:  make(chan struct{}, 1),
	}
}

// Fd returns the descriptor that turns readable when events are pending.
func (l *Loop) Fd() int {
	return l.src.Fd()
}

// ProcessEvents dispatches the pending events without blocking and returns
// how many there were.
func (l *Loop) ProcessEvents() int {
	evs := l.src.Drain()
	for _, ev := range evs {
		l.reg.Dispatch(ev)
	}
	return len(evs)
}

// Run polls the source and dispatches its events until ctx is done or the
// source is closed.
func (l *Loop) Run(ctx context.Context) error {
	select {
	case l.running <- struct{}{}:
	default:
		return types.NewInvalidStateError("event loop is already running")
	}
	defer func() { <-l.running }()

	for {
		ready, err := l.src.Wait(ctx, l.interval)
		switch {
		case errors.Is(err, engine.ErrSourceClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.Errorf("event loop: %v", err)
			return err
		}
		if ready {
			l.ProcessEvents()
		}
	}
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return len(l.running) > 0
}

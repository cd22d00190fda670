package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var ErrSourceClosed = errors.New("event source closed")

// EventSource is the single event channel of a connection: a queue of
// pending events paired with a pipe whose read end becomes readable while
// events are queued, so that it can be watched with poll(2) or an
// application event loop.
type EventSource struct {
	mu     sync.Mutex
	queue  []*Event
	rfd    int
	wfd    int
	closed bool

	// held shared by Wait while it polls rfd, Close takes it before the
	// pipe is closed
	fdMu sync.RWMutex
}

func NewEventSource() (*EventSource, error) {
	p := make([]int, 2)
	if err := unix.Pipe(p); err != nil {
		return nil, err
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
		unix.CloseOnExec(fd)
	}
	return &EventSource{rfd: p[0], wfd: p[1]}, nil
}

// Fd returns the read end of the event pipe.
func (s *EventSource) Fd() int {
	return s.rfd
}

// Post queues ev and signals the pipe.
func (s *EventSource) Post(ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	s.queue = append(s.queue, ev)
	// one byte per event, a full pipe still leaves it readable
	if _, err := unix.Write(s.wfd, []byte{1}); err != nil && !errors.Is(err, unix.EAGAIN) {
		log.Warnf("event source: signaling pipe: %v", err)
	}
	return nil
}

// Drain empties the pipe and returns the queued events in posting order.
func (s *EventSource) Drain() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	buf := make([]byte, 256)
	for {
		n, err := unix.Read(s.rfd, buf)
		if n <= 0 || err != nil {
			break
		}
	}
	evs := s.queue
	s.queue = nil
	return evs
}

// Len returns the number of queued events.
func (s *EventSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Wait blocks until events are queued, timeout passes or ctx is done.
// It reports whether the pipe is readable.
func (s *EventSource) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if s.isClosed() {
			return false, ErrSourceClosed
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return false, nil
		}
		ready, err := s.poll(wait)
		if err != nil || ready {
			return ready, err
		}
	}
}

// poll waits on the pipe for one slice of at most wait, so that ctx
// cancellation is noticed.
func (s *EventSource) poll(wait time.Duration) (bool, error) {
	const slice = 50 * time.Millisecond
	if wait > slice {
		wait = slice
	}
	s.fdMu.RLock()
	defer s.fdMu.RUnlock()
	if s.isClosed() {
		return false, ErrSourceClosed
	}
	fds := []unix.PollFd{{Fd: int32(s.rfd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(wait/time.Millisecond)+1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	if s.isClosed() {
		return false, ErrSourceClosed
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func (s *EventSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close answers the queued events as gone and closes the pipe once no
// Wait polls it.
func (s *EventSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	evs := s.queue
	s.queue = nil
	// wakes a polling Wait, which then sees closed
	if _, err := unix.Write(s.wfd, []byte{1}); err != nil && !errors.Is(err, unix.EAGAIN) {
		log.Debugf("event source: waking poller: %v", err)
	}
	s.mu.Unlock()

	for _, ev := range evs {
		ev.Respond(Reply{Gone: true})
	}
	s.fdMu.Lock()
	defer s.fdMu.Unlock()
	return errors.Join(unix.Close(s.rfd), unix.Close(s.wfd))
}

package memengine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/tree"
	"github.com/sdcio/dsruntime/pkg/types"
)

type notifRecord struct {
	path schema.Path
	node *tree.Node
	ts   time.Time
	info engine.ExtraInfo
}

// notifLog keeps the last sent notifications, oldest first.
type notifLog struct {
	recs []notifRecord
	next int
	full bool
}

func newNotifLog(size int) *notifLog {
	if size <= 0 {
		return nil
	}
	return &notifLog{recs: make([]notifRecord, size)}
}

func (l *notifLog) add(r notifRecord) {
	if l == nil {
		return
	}
	l.recs[l.next] = r
	l.next++
	if l.next == len(l.recs) {
		l.next = 0
		l.full = true
	}
}

// since returns the records sent from start on and, when stop is set,
// before stop.
func (l *notifLog) since(start, stop time.Time) []notifRecord {
	if l == nil {
		return nil
	}
	var ordered []notifRecord
	if l.full {
		ordered = append(ordered, l.recs[l.next:]...)
	}
	ordered = append(ordered, l.recs[:l.next]...)
	var result []notifRecord
	for _, r := range ordered {
		if r.ts.Before(start) || (!stop.IsZero() && !r.ts.Before(stop)) {
			continue
		}
		result = append(result, r)
	}
	return result
}

func (s *subscription) wantsNotification(p schema.Path) bool {
	if s.req.Kind != engine.SubNotification || s.req.Module != p[0].Module {
		return false
	}
	return len(s.path) == 0 || p.HasPrefix(s.path)
}

func checkNotifTimes(req *engine.SubscribeRequest, now time.Time) error {
	if req.StartTime.IsZero() && req.StopTime.IsZero() {
		return nil
	}
	if req.Kind != engine.SubNotification {
		return types.NewInvalidStateError("start and stop time only apply to notification subscriptions")
	}
	if req.StartTime.After(now) {
		return types.NewInvalidStateError("start time %s is in the future", req.StartTime.Format(time.RFC3339Nano))
	}
	if req.StopTime.IsZero() {
		return nil
	}
	if !req.StopTime.After(now) {
		return types.NewInvalidStateError("stop time %s has passed", req.StopTime.Format(time.RFC3339Nano))
	}
	return nil
}

// subscribeNotifications registers sub and posts the logged notifications
// since its start time, followed by a replay-complete marker. Holding
// notifMu keeps the realtime notifications behind the replayed ones.
func (e *Engine) subscribeNotifications(sub *subscription) error {
	e.notifMu.Lock()
	defer e.notifMu.Unlock()
	if !sub.req.StopTime.IsZero() {
		sub.stop = time.AfterFunc(time.Until(sub.req.StopTime), func() {
			e.stopNotifications(sub)
		})
	}
	if err := e.register(sub); err != nil {
		if sub.stop != nil {
			sub.stop.Stop()
		}
		return err
	}
	if sub.req.StartTime.IsZero() {
		return nil
	}
	var n int
	for _, rec := range e.notifs.since(sub.req.StartTime, sub.req.StopTime) {
		if sub.wantsNotification(rec.path) {
			e.postNotification(sub, rec, engine.NotifReplay)
			n++
		}
	}
	log.Debugf("engine %s: replayed %d notifications to %s", e.cfg.Name, n, sub)
	e.postNotification(sub, notifRecord{ts: time.Now()}, engine.NotifReplayComplete)
	return nil
}

// stopNotifications ends sub at its stop time with a stop marker.
func (e *Engine) stopNotifications(sub *subscription) {
	e.notifMu.Lock()
	defer e.notifMu.Unlock()
	if !e.drop(sub) {
		return
	}
	log.Debugf("engine %s: %s reached its stop time", e.cfg.Name, sub)
	e.postNotification(sub, notifRecord{ts: time.Now()}, engine.NotifStop)
}

// postNotification queues one notification event and logs the failure of
// the callback in the background. Markers carry the subscription path and
// no node.
func (e *Engine) postNotification(sub *subscription, rec notifRecord, typ engine.NotifType) {
	ev := e.newEvent(sub, engine.PhaseNotification, 0)
	if rec.path != nil {
		ev.Path = rec.path.String()
	}
	ev.Input = rec.node
	ev.NotifType = typ
	ev.Timestamp = rec.ts
	ev.Info = rec.info
	if err := sub.c.src.Post(ev); err != nil {
		return
	}
	go func() {
		r, err := ev.Wait(context.Background(), e.cfg.NotificationTimeout)
		if err == nil {
			err = r.Err
		}
		if err != nil {
			log.Warnf("%s notification %s to %s: %v", typ, ev.Path, sub, err)
		}
	}()
}

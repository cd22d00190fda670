package schema

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const defaultDebounce = 500 * time.Millisecond

// Watch recompiles the schema of c whenever a yang file in one of the
// configured locations changes, and swaps the result in. A schema that fails
// to compile is logged and the current one stays in place. onSwap, if set,
// runs after every successful swap. Watching stops when ctx is done.
func Watch(ctx context.Context, c *Context, debounce time.Duration, onSwap func(prev, next *Schema)) error {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	cfg := c.Current().Config()
	dirs, err := watchedDirs(cfg.Files, cfg.Directories)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return err
		}
		log.Debugf("watching %s for schema changes", d)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".yang" {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				log.Debugf("schema file event: %s", ev)
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Errorf("schema watcher error: %v", err)
			case <-fire:
				fire = nil
				next, err := c.Current().Reload()
				if err != nil {
					log.Errorf("schema reload failed, keeping generation %d: %v", c.Current().Generation(), err)
					continue
				}
				prev := c.Swap(next)
				if onSwap != nil {
					onSwap(prev, next)
				}
			}
		}
	}()
	return nil
}

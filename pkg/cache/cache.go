// Package cache persists datastore snapshots between engine restarts.
package cache

import (
	"context"
	"fmt"

	"github.com/openconfig/gnmi/proto/gnmi"

	"github.com/sdcio/dsruntime/pkg/config"
)

type Client interface {
	// read the snapshot stored under name, nil if there is none
	Read(ctx context.Context, name string) (*gnmi.Notification, error)
	// store a snapshot under name, replacing the previous one
	Write(ctx context.Context, name string, n *gnmi.Notification) error
	// delete the snapshot stored under name
	Delete(ctx context.Context, name string) error
	// list the names of the stored snapshots
	List(ctx context.Context) ([]string, error)
	Close() error
}

func New(cfg *config.StartupStore) (Client, error) {
	switch cfg.Type {
	case config.StoreTypeMemory, "":
		return NewLocalCache(), nil
	case config.StoreTypeBadger:
		return NewBadgerCache(cfg.Dir)
	}
	return nil, fmt.Errorf("unknown startup store type %q", cfg.Type)
}

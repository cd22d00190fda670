package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/openconfig/gnmi/proto/gnmi"
	"google.golang.org/protobuf/proto"
)

// localCache keeps the snapshots in memory, they are lost on restart.
type localCache struct {
	m         sync.RWMutex
	snapshots map[string][]byte
}

func NewLocalCache() Client {
	return &localCache{
		snapshots: map[string][]byte{},
	}
}

func (c *localCache) Read(_ context.Context, name string) (*gnmi.Notification, error) {
	c.m.RLock()
	b, ok := c.snapshots[name]
	c.m.RUnlock()
	if !ok {
		return nil, nil
	}
	n := new(gnmi.Notification)
	if err := proto.Unmarshal(b, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (c *localCache) Write(_ context.Context, name string, n *gnmi.Notification) error {
	b, err := proto.Marshal(n)
	if err != nil {
		return err
	}
	c.m.Lock()
	defer c.m.Unlock()
	c.snapshots[name] = b
	return nil
}

func (c *localCache) Delete(_ context.Context, name string) error {
	c.m.Lock()
	defer c.m.Unlock()
	delete(c.snapshots, name)
	return nil
}

func (c *localCache) List(_ context.Context) ([]string, error) {
	c.m.RLock()
	defer c.m.RUnlock()
	names := make([]string, 0, len(c.snapshots))
	for name := range c.snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *localCache) Close() error { return nil }

// Package mediagroup coalesces the separate updates Telegram sends for one
// album ("media group") into a single batch (spec.md §4.7). Grounded on
// the teacher's mediaGroupBuffer/mediaGroup pair in
// internal/channels/telegram/media.go, generalized from a fixed 500ms
// album-assembly delay to the debounced ~1s quiet-period flush the spec
// calls for: every new item in the group resets the timer, so a flush
// only fires once the group has gone quiet.
package mediagroup

import (
	"sync"
	"time"
)

// DefaultQuietPeriod is how long a group must receive no new items before
// it flushes.
const DefaultQuietPeriod = time.Second

// Item is one unit added to a group. Payload is opaque to the coalescer.
type Item struct {
	Payload any
}

// Key identifies one in-flight group.
type Key struct {
	ChatID       int64
	MediaGroupID string
}

type group struct {
	items []Item
	timer *time.Timer
	token uint64 // incremented on each reset; a fired timer checks it is
	// still current before flushing, so a timer that fired just as a new
	// item arrived can't flush a stale, already-superseded batch.
}

// Coalescer buffers items per Key and invokes onFlush once a key's quiet
// period has elapsed with no new items.
type Coalescer struct {
	mu          sync.Mutex
	groups      map[Key]*group
	quietPeriod time.Duration
	onFlush     func(key Key, items []Item)
}

// New builds a Coalescer. quietPeriod <= 0 uses DefaultQuietPeriod.
func New(quietPeriod time.Duration, onFlush func(key Key, items []Item)) *Coalescer {
	if quietPeriod <= 0 {
		quietPeriod = DefaultQuietPeriod
	}
	return &Coalescer{
		groups:      make(map[Key]*group),
		quietPeriod: quietPeriod,
		onFlush:     onFlush,
	}
}

// Add appends item to key's group, (re)starting the quiet-period timer.
func (c *Coalescer) Add(key Key, item Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[key]
	if !ok {
		g = &group{}
		c.groups[key] = g
	}
	g.items = append(g.items, item)
	g.token++
	myToken := g.token

	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(c.quietPeriod, func() {
		c.fire(key, myToken)
	})
}

func (c *Coalescer) fire(key Key, token uint64) {
	c.mu.Lock()
	g, ok := c.groups[key]
	if !ok || g.token != token {
		c.mu.Unlock()
		return
	}
	items := g.items
	delete(c.groups, key)
	c.mu.Unlock()

	c.onFlush(key, items)
}

// Flush forces an immediate flush of key's current buffer, if any, bypassing
// the quiet-period wait.
func (c *Coalescer) Flush(key Key) {
	c.mu.Lock()
	g, ok := c.groups[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	items := g.items
	delete(c.groups, key)
	c.mu.Unlock()

	c.onFlush(key, items)
}

// Pending reports how many items are currently buffered for key.
func (c *Coalescer) Pending(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[key]
	if !ok {
		return 0
	}
	return len(g.items)
}

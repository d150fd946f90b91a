// Package events fans controller updates out to live subscribers: hit
// counters, share state changes and download progress.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/metrics"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

const subscriberBuffer = 64

// Event is the wire form of an update.
type Event = protocol.Event

// Hit builds a hit event.
func Hit(h protocol.HitEvent) Event {
	return Event{Type: protocol.EventHit, Hit: &h}
}

// Share builds a share state event.
func Share(s protocol.ShareEvent) Event {
	return Event{Type: protocol.EventShare, Share: &s}
}

// Download builds a download progress event.
func Download(d protocol.DownloadEvent) Event {
	return Event{Type: protocol.EventDownload, Download: &d}
}

// ParseTypes parses a comma separated type filter such as "hit,share".
// An empty filter selects every type.
func ParseTypes(s string) ([]string, error) {
	var out []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		switch t {
		case "":
		case protocol.EventHit, protocol.EventShare, protocol.EventDownload:
			out = append(out, t)
		default:
			return nil, fmt.Errorf("unknown event type %q", t)
		}
	}
	return out, nil
}

// Subscription receives the events of the types it asked for. Events that
// do not fit in its buffer are dropped and counted.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	types   map[string]bool // nil selects every type
	dropped atomic.Int64
}

func (s *Subscription) wants(t string) bool {
	return s.types == nil || s.types[t]
}

// Dropped returns how many events the subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Broadcaster publishes events to subscribers without ever blocking the
// publisher.
type Broadcaster struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription]struct{}
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for the given types, or for every type
// when none are given. The caller must Unsubscribe when done.
func (b *Broadcaster) Subscribe(types ...string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish stamps e with the next sequence number and the current time and
// delivers it to every interested subscriber. The stamped event is
// returned.
func (b *Broadcaster) Publish(e Event) Event {
	if e.Time == 0 {
		e.Time = time.Now().Unix()
	}

	// Publishers are serialized so every subscriber sees seqs in order.
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e.Seq = b.seq
	for sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			metrics.RecordSSEDropped(e.Type)
		}
	}
	metrics.RecordSSEEvent(e.Type)
	return e
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// WriteSSE writes e as one server-sent event. The sequence number is the
// event id.
func WriteSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
	return err
}

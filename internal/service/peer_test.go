package service

import (
	"sync"
	"testing"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
)

// fakePeer: очередь событий в памяти вместо WebSocket.
type fakePeer struct {
	id string

	mu      sync.Mutex
	events  []domain.Event
	evicted string
	refuse  bool
	notify  chan struct{}
}

func newPeer(id string) *fakePeer {
	return &fakePeer{id: id, notify: make(chan struct{}, 1024)}
}

func (p *fakePeer) ConnID() string { return p.id }

func (p *fakePeer) Deliver(ev domain.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refuse || p.evicted != "" {
		return false
	}
	p.events = append(p.events, ev)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return true
}

func (p *fakePeer) Evict(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted == "" {
		p.evicted = reason
	}
}

func (p *fakePeer) setRefuse(v bool) {
	p.mu.Lock()
	p.refuse = v
	p.mu.Unlock()
}

func (p *fakePeer) evictedWith() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evicted
}

func (p *fakePeer) snapshot() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

func (p *fakePeer) ofType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range p.snapshot() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor ждёт, пока у пира не накопится n событий типа t.
func (p *fakePeer) waitFor(t *testing.T, typ domain.EventType, n int) []domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if evs := p.ofType(typ); len(evs) >= n {
			return evs
		}
		select {
		case <-p.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("peer %s: timed out waiting for %d %s events, have %d", p.id, n, typ, len(p.ofType(typ)))
		}
	}
}

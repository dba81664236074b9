package gateway

import (
	"strings"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"guardian-ai/internal/domain"
)

// peer is one connected WebSocket client.
type peer struct {
	id     uint64
	info   *ClientInfo
	ws     *websocket.Conn
	out    chan Frame
	done   chan struct{}
	once   sync.Once
	slots  chan struct{} // bounds concurrent RPCs
	topics atomic.Pointer[topicSet]
}

func newPeer(id uint64, info *ClientInfo, ws *websocket.Conn) *peer {
	return &peer{
		id:    id,
		info:  info,
		ws:    ws,
		out:   make(chan Frame, peerQueueSize),
		done:  make(chan struct{}),
		slots: make(chan struct{}, peerMaxInFlight),
	}
}

// send queues f without blocking. It returns false only when the queue is full.
func (p *peer) send(f Frame) bool {
	select {
	case <-p.done:
		return true
	default:
	}
	select {
	case p.out <- f:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

// wants reports whether events of type t should be pushed to p.
func (p *peer) wants(t domain.EventType) bool {
	set := p.topics.Load()
	return set == nil || set.match(t)
}

// topicSet is an event filter. Entries are exact event types or a family
// prefix ending in ".*", e.g. "capture.*".
type topicSet struct {
	exact    map[domain.EventType]bool
	prefixes []string
	patterns []string
}

// newTopicSet parses patterns. An empty list or "*" means every event and
// yields nil.
func newTopicSet(patterns []string) (*topicSet, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	set := &topicSet{exact: make(map[domain.EventType]bool)}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "*":
			return nil, nil
		case p == "" || strings.Count(p, "*") > 1 || (strings.Contains(p, "*") && !strings.HasSuffix(p, ".*")):
			return nil, domain.NewDomainError("gateway.subscribe", domain.ErrRPCInvalidPayload, "bad event pattern "+p)
		case strings.HasSuffix(p, ".*"):
			set.prefixes = append(set.prefixes, strings.TrimSuffix(p, "*"))
		default:
			set.exact[domain.EventType(p)] = true
		}
		set.patterns = append(set.patterns, p)
	}
	return set, nil
}

func (s *topicSet) match(t domain.EventType) bool {
	if s.exact[t] {
		return true
	}
	for _, pre := range s.prefixes {
		if strings.HasPrefix(string(t), pre) {
			return true
		}
	}
	return false
}

// Package metrics keeps lock-free counters for the dispatch and session
// paths, plus a short ring of recently handled messages for inspection.
package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// MessageHeader describes one handled message for the recent ring. Content is
// never recorded, only routing facts.
type MessageHeader struct {
	Type  string `json:"type"`
	Peer  string `json:"peer"`
	Scope string `json:"scope,omitempty"`
}

type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Auth        AuthMetrics     `json:"auth"`
	Text        TextMetrics     `json:"text"`
	Pex         PexMetrics      `json:"pex"`
	Dropped     uint64          `json:"dropped"`
	Recent      []MessageHeader `json:"recent"`
}

type AuthMetrics struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

type TextMetrics struct {
	Delivered uint64 `json:"delivered"`
	Refused   uint64 `json:"refused"`
}

type PexMetrics struct {
	CandidatesSeen uint64 `json:"candidates_seen"`
	Dials          uint64 `json:"dials"`
}

type Metrics struct {
	authAccepted  atomic.Uint64
	authRejected  atomic.Uint64
	textDelivered atomic.Uint64
	textRefused   atomic.Uint64
	pexSeen       atomic.Uint64
	pexDials      atomic.Uint64
	dropped       atomic.Uint64
	recent        *recentRing
}

func New() *Metrics {
	return &Metrics{recent: newRecentRing(64)}
}

// All mutators tolerate a nil receiver so callers need no metrics-enabled
// check at every count site.

func (m *Metrics) IncAuthAccepted() {
	if m != nil {
		m.authAccepted.Add(1)
	}
}

func (m *Metrics) IncAuthRejected() {
	if m != nil {
		m.authRejected.Add(1)
	}
}

func (m *Metrics) IncTextDelivered() {
	if m != nil {
		m.textDelivered.Add(1)
	}
}

func (m *Metrics) IncTextRefused() {
	if m != nil {
		m.textRefused.Add(1)
	}
}

func (m *Metrics) IncPexCandidatesSeen() {
	if m != nil {
		m.pexSeen.Add(1)
	}
}

func (m *Metrics) IncPexDials() {
	if m != nil {
		m.pexDials.Add(1)
	}
}

func (m *Metrics) IncDropped() {
	if m != nil {
		m.dropped.Add(1)
	}
}

func (m *Metrics) RecordMessage(h MessageHeader) {
	if m != nil {
		m.recent.add(h)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC(), Recent: []MessageHeader{}}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Auth: AuthMetrics{
			Accepted: m.authAccepted.Load(),
			Rejected: m.authRejected.Load(),
		},
		Text: TextMetrics{
			Delivered: m.textDelivered.Load(),
			Refused:   m.textRefused.Load(),
		},
		Pex: PexMetrics{
			CandidatesSeen: m.pexSeen.Load(),
			Dials:          m.pexDials.Load(),
		},
		Dropped: m.dropped.Load(),
		Recent:  m.recent.list(),
	}
}

// WriteSnapshot dumps the current snapshot as JSON. An empty path is a no-op.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type recentRing struct {
	mu   sync.Mutex
	cap  int
	items []MessageHeader
}

func newRecentRing(capacity int) *recentRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &recentRing{cap: capacity}
}

func (r *recentRing) add(h MessageHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= r.cap {
		copy(r.items, r.items[1:])
		r.items[len(r.items)-1] = h
		return
	}
	r.items = append(r.items, h)
}

func (r *recentRing) list() []MessageHeader {
	if r == nil {
		return []MessageHeader{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessageHeader, len(r.items))
	copy(out, r.items)
	return out
}

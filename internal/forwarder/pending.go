package forwarder

import (
	"math/rand"
	"sync"
	"time"

	"github.com/lorawan-server/sc-gateway/internal/models"
)

// PendingTracker remembers the tokens of requests awaiting an ACK.
// Tokens are random and unique among pending entries.
type PendingTracker struct {
	mu      sync.Mutex
	max     int
	timeout time.Duration
	random  func() uint16
	seq     uint64
	items   map[uint16]pendingItem
}

type pendingItem struct {
	req models.PendingRequest
	seq uint64
}

// NewPendingTracker creates a tracker for at most max outstanding requests
func NewPendingTracker(max int, timeout time.Duration) *PendingTracker {
	if max <= 0 {
		max = 1
	}
	return &PendingTracker{
		max:     max,
		timeout: timeout,
		random:  func() uint16 { return uint16(rand.Intn(1 << 16)) },
		items:   make(map[uint16]pendingItem),
	}
}

// Add registers a new request and returns its token. When the tracker
// is full the oldest request is dropped and returned as evicted.
func (p *PendingTracker) Add(kind models.RequestKind, now time.Time) (token uint16, evicted *models.PendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.items) >= p.max {
		evicted = p.evictOldestLocked()
	}

	for {
		token = p.random()
		if _, used := p.items[token]; !used {
			break
		}
	}

	p.seq++
	p.items[token] = pendingItem{
		req: models.PendingRequest{Token: token, SentAt: now, Kind: kind},
		seq: p.seq,
	}
	return token, evicted
}

func (p *PendingTracker) evictOldestLocked() *models.PendingRequest {
	var (
		oldest uint16
		found  bool
		min    uint64
	)
	for token, it := range p.items {
		if !found || it.seq < min {
			oldest, min, found = token, it.seq, true
		}
	}
	if !found {
		return nil
	}
	req := p.items[oldest].req
	delete(p.items, oldest)
	return &req
}

// Resolve matches an ACK. Unknown tokens, a kind mismatch and repeated
// ACKs all return false without changing anything.
func (p *PendingTracker) Resolve(token uint16, kind models.RequestKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[token]
	if !ok || it.req.Kind != kind {
		return false
	}
	delete(p.items, token)
	return true
}

// Expire removes and returns the requests older than the timeout
func (p *PendingTracker) Expire(now time.Time) []models.PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []models.PendingRequest
	for token, it := range p.items {
		if now.Sub(it.req.SentAt) >= p.timeout {
			expired = append(expired, it.req)
			delete(p.items, token)
		}
	}
	return expired
}

// Len returns the number of outstanding requests
func (p *PendingTracker) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

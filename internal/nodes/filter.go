package nodes

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Filter errors
var (
	ErrTableFull   = errors.New("nodes: trusted node table full")
	ErrDuplicate   = errors.New("nodes: duplicate device address")
	ErrUnknownNode = errors.New("nodes: unknown node")
)

// Mode 转发模式
type Mode int

const (
	// ModePassthrough forwards every valid frame
	ModePassthrough Mode = iota
	// ModeStrict forwards only frames from trusted nodes
	ModeStrict
)

func (m Mode) String() string {
	if m == ModeStrict {
		return "strict"
	}
	return "passthrough"
}

// ParseMode accepts the mode names and the numeric levels 0..2
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "passthrough", "0", "1":
		return ModePassthrough, nil
	case "strict", "2":
		return ModeStrict, nil
	}
	return ModePassthrough, fmt.Errorf("invalid forwarding mode %q", s)
}

// Verdict is the admission decision for one uplink
type Verdict struct {
	Admitted bool
	Known    bool
	Name     string
}

// Filter holds the trusted-node table and decides which uplinks are forwarded
type Filter struct {
	mu      sync.RWMutex
	mode    Mode
	max     int
	entries map[lorawan.DevAddr]*models.TrustedNodeEntry
	unknown atomic.Uint64
}

// NewFilter creates a filter with capacity max
func NewFilter(mode Mode, max int) *Filter {
	return &Filter{
		mode:    mode,
		max:     max,
		entries: make(map[lorawan.DevAddr]*models.TrustedNodeEntry),
	}
}

// Mode returns the current forwarding mode
func (f *Filter) Mode() Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mode
}

// SetMode switches the forwarding mode
func (f *Filter) SetMode(m Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = m
}

// Capacity returns the table capacity
func (f *Filter) Capacity() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.max
}

// Unknown returns how many uplinks were dropped as unknown
func (f *Filter) Unknown() uint64 {
	return f.unknown.Load()
}

// Admit decides whether rec is forwarded and updates the seen data of known nodes
func (f *Filter) Admit(rec *models.UplinkRecord) Verdict {
	// join request 没有 DevAddr，两种模式下都放行
	if !rec.HasDeviceAddress() {
		return Verdict{Admitted: true}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[rec.DeviceAddress]
	if ok && e.Configured {
		e.LastSeen = rec.Timestamp
		e.SeenSFMask |= rec.SpreadingFactor.Bit()
		return Verdict{Admitted: true, Known: true, Name: e.FriendlyName}
	}

	// 严格模式只转发配置过的节点，仅被看到过的不算
	if f.mode == ModeStrict {
		f.unknown.Add(1)
		log.Debug().Str("devAddr", rec.DeviceAddress.String()).Msg("未知节点，丢弃")
		return Verdict{}
	}

	if ok {
		e.LastSeen = rec.Timestamp
		e.SeenSFMask |= rec.SpreadingFactor.Bit()
		return Verdict{Admitted: true}
	}

	// 透传模式下记录新节点，表满后不再记录
	if len(f.entries) < f.max {
		f.entries[rec.DeviceAddress] = &models.TrustedNodeEntry{
			DeviceAddress: rec.DeviceAddress,
			LastSeen:      rec.Timestamp,
			SeenSFMask:    rec.SpreadingFactor.Bit(),
		}
	}
	return Verdict{Admitted: true}
}

// Add inserts a trusted node. A node only seen in passthrough mode is
// promoted in place; a new node is rejected when the table is full.
func (f *Filter) Add(e models.TrustedNodeEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.entries[e.DeviceAddress]
	if ok && cur.Configured {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.DeviceAddress)
	}
	if !ok && len(f.entries) >= f.max {
		log.Warn().
			Str("devAddr", e.DeviceAddress.String()).
			Int("capacity", f.max).
			Msg("可信节点表已满，拒绝新节点")
		return fmt.Errorf("%w: capacity %d", ErrTableFull, f.max)
	}

	entry := e
	entry.Configured = true
	if ok {
		entry.LastSeen = cur.LastSeen
		entry.SeenSFMask |= cur.SeenSFMask
	}
	f.entries[e.DeviceAddress] = &entry
	return nil
}

// Replace swaps the whole table and capacity. The old table is kept
// when the new one is invalid.
func (f *Filter) Replace(entries []models.TrustedNodeEntry, max int) error {
	if len(entries) > max {
		return fmt.Errorf("%w: %d entries for capacity %d", ErrTableFull, len(entries), max)
	}
	next := make(map[lorawan.DevAddr]*models.TrustedNodeEntry, len(entries))
	for i := range entries {
		e := entries[i]
		if _, ok := next[e.DeviceAddress]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.DeviceAddress)
		}
		e.Configured = true
		next[e.DeviceAddress] = &e
	}

	f.mu.Lock()
	f.entries = next
	f.max = max
	f.mu.Unlock()
	return nil
}

// Resize changes the capacity, keeping the most recently seen entries
func (f *Filter) Resize(max int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.max = max
	if len(f.entries) <= max {
		return
	}
	list := f.sortedLocked()
	// 优先保留配置的节点，其次是最近出现的
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Configured != list[j].Configured {
			return list[i].Configured
		}
		return list[i].LastSeen.After(list[j].LastSeen)
	})
	for _, e := range list[max:] {
		delete(f.entries, e.DeviceAddress)
	}
}

// Lookup returns the entry for addr
func (f *Filter) Lookup(addr lorawan.DevAddr) (models.TrustedNodeEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[addr]
	if !ok {
		return models.TrustedNodeEntry{}, false
	}
	return *e, true
}

// NwkSKey returns the network session key of a trusted node
func (f *Filter) NwkSKey(addr lorawan.DevAddr) (lorawan.AES128Key, bool) {
	e, ok := f.Lookup(addr)
	if !ok || e.NwkSKey.IsZero() {
		return lorawan.AES128Key{}, false
	}
	return e.NwkSKey, true
}

// Entries returns a copy of the table ordered by address
func (f *Filter) Entries() []models.TrustedNodeEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	list := f.sortedLocked()
	out := make([]models.TrustedNodeEntry, len(list))
	for i, e := range list {
		out[i] = *e
	}
	return out
}

func (f *Filter) sortedLocked() []*models.TrustedNodeEntry {
	list := make([]*models.TrustedNodeEntry, 0, len(f.entries))
	for _, e := range f.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].DeviceAddress.Uint32() < list[j].DeviceAddress.Uint32()
	})
	return list
}

// touch merges a persisted seen record into an entry
func (f *Filter) touch(addr lorawan.DevAddr, lastSeen time.Time, mask uint8) {
	if e, ok := f.entries[addr]; ok {
		if lastSeen.After(e.LastSeen) {
			e.LastSeen = lastSeen
		}
		e.SeenSFMask |= mask
		return
	}
	if len(f.entries) < f.max {
		f.entries[addr] = &models.TrustedNodeEntry{DeviceAddress: addr, LastSeen: lastSeen, SeenSFMask: mask}
	}
}

package nodes

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/storage"
)

// NodeStore is the part of storage.Store holding the node table
type NodeStore interface {
	LoadNodes(ctx context.Context) ([]storage.NodeRecord, error)
	SaveNodes(ctx context.Context, records []storage.NodeRecord) error
}

// Load merges persisted seen data into the table
func (f *Filter) Load(ctx context.Context, store NodeStore) error {
	records, err := store.LoadNodes(ctx)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		f.touch(r.Address, r.LastSeen, r.SFMask)
	}

	log.Info().Int("records", len(records)).Int("entries", len(f.entries)).Msg("节点表已加载")
	return nil
}

// Save writes every entry that has been seen, capped at the capacity
func (f *Filter) Save(ctx context.Context, store NodeStore) error {
	f.mu.RLock()
	list := f.sortedLocked()
	records := make([]storage.NodeRecord, 0, len(list))
	for _, e := range list {
		if e.LastSeen.IsZero() {
			continue
		}
		if len(records) == f.max {
			break
		}
		records = append(records, storage.NodeRecord{
			Address:  e.DeviceAddress,
			LastSeen: e.LastSeen,
			SFMask:   e.SeenSFMask,
		})
	}
	f.mu.RUnlock()

	if err := store.SaveNodes(ctx, records); err != nil {
		return fmt.Errorf("save nodes: %w", err)
	}
	return nil
}

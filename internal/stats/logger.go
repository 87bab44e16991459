package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/metrics"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/storage"
)

// LogStore is the part of storage.Store holding the bounded log
type LogStore interface {
	AppendLog(ctx context.Context, line string) error
	PruneLog(ctx context.Context, n int) (int, error)
	LogUsage(ctx context.Context) (storage.Usage, error)
}

// Logger writes statistics lines to the store and keeps it under the high-water mark
type Logger struct {
	store     LogStore
	highWater float64
}

// NewLogger creates a logger; highWater is a fraction of the capacity
func NewLogger(store LogStore, highWater float64) *Logger {
	return &Logger{store: store, highWater: highWater}
}

// Write prunes the oldest records when usage reached the mark, then appends line
func (l *Logger) Write(ctx context.Context, line string) error {
	u, err := l.store.LogUsage(ctx)
	if err != nil {
		return fmt.Errorf("log usage: %w", err)
	}

	mark := int64(l.highWater * float64(u.Capacity))
	if u.Capacity > 0 && u.Used >= mark {
		n := int(u.Used - mark + 1)
		removed, err := l.store.PruneLog(ctx, n)
		if err != nil {
			return fmt.Errorf("prune log: %w", err)
		}
		metrics.LogPruned.Add(float64(removed))
		log.Info().
			Int64("used", u.Used).
			Int64("capacity", u.Capacity).
			Float64("usage", u.Ratio()).
			Int("removed", removed).
			Msg("统计日志超过高水位，已清理")
	}

	return l.store.AppendLog(ctx, line)
}

// FormatSnapshot renders a snapshot as one compact log line
func FormatSnapshot(s models.StatSnapshot) string {
	line := fmt.Sprintf("stat %s rxnb=%d rxok=%d rxfw=%d ackr=%.1f dwnb=%d txnb=%d unknown=%d missed=%d",
		s.Time.UTC().Format(time.RFC3339),
		s.UplinkCount, s.UplinkValid, s.UplinkForward, s.AckRatio,
		s.DownlinkCount, s.TransmitCount, s.UnknownCount, s.MissedDownlink)
	if len(s.PerSF) > 0 {
		line += fmt.Sprintf(" sf=%v", s.PerSF)
	}
	return line
}

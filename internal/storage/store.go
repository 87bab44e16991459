package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Common errors
var (
	// ErrNotFound is returned by ReadConfig for keys never written
	ErrNotFound    = config.ErrNotFound
	ErrInvalidData = errors.New("invalid data")
)

// Usage of the bounded log
type Usage struct {
	Used     int64
	Capacity int64
}

// Ratio returns Used/Capacity
func (u Usage) Ratio() float64 {
	if u.Capacity <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Capacity)
}

// NodeRecord is the persisted form of a seen node
type NodeRecord struct {
	Address  lorawan.DevAddr
	LastSeen time.Time
	SFMask   uint8
}

// String returns the line form "ADDR LASTSEEN SFMASK"
func (r NodeRecord) String() string {
	return fmt.Sprintf("%s %d %02x", r.Address, r.LastSeen.Unix(), r.SFMask)
}

// ParseNodeRecord parses one "ADDR LASTSEEN SFMASK" line
func ParseNodeRecord(line string) (NodeRecord, error) {
	var r NodeRecord
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return r, fmt.Errorf("%w: node record %q", ErrInvalidData, line)
	}

	addr, err := lorawan.ParseDevAddr(fields[0])
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	sec, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return r, fmt.Errorf("%w: last seen %q", ErrInvalidData, fields[1])
	}
	mask, err := strconv.ParseUint(fields[2], 16, 8)
	if err != nil {
		return r, fmt.Errorf("%w: sf mask %q", ErrInvalidData, fields[2])
	}

	r.Address = addr
	r.LastSeen = time.Unix(sec, 0)
	r.SFMask = uint8(mask)
	return r, nil
}

// Store is the persistent storage of the gateway: settings by key, a
// bounded statistics log, and the seen-node table.
type Store interface {
	ReadConfig(ctx context.Context, key string) (string, error)
	WriteConfig(ctx context.Context, key, value string) error
	// WriteConfigs stores all values or none
	WriteConfigs(ctx context.Context, values map[string]string) error

	AppendLog(ctx context.Context, line string) error
	// ReadLog returns up to limit most recent lines, oldest first
	ReadLog(ctx context.Context, limit int) ([]string, error)
	// PruneLog removes the n oldest lines and returns how many were removed
	PruneLog(ctx context.Context, n int) (int, error)
	LogUsage(ctx context.Context) (Usage, error)

	LoadNodes(ctx context.Context) ([]NodeRecord, error)
	SaveNodes(ctx context.Context, records []NodeRecord) error

	Close() error
}

// Open creates the store selected by cfg
func Open(ctx context.Context, cfg config.StorageConfig, logCapacity int64) (Store, error) {
	switch cfg.Driver {
	case "file", "":
		return NewFileStore(cfg.Path, logCapacity)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, logCapacity)
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		}, logCapacity)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

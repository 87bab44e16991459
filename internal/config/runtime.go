package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// KeyValueStore is the part of the persistent store that holds settings
type KeyValueStore interface {
	ReadConfig(ctx context.Context, key string) (string, error)
	WriteConfig(ctx context.Context, key, value string) error
	// WriteConfigs stores all values or none
	WriteConfigs(ctx context.Context, values map[string]string) error
}

// 持久化的配置键
const (
	KeyForwardingMode    = "forwarding.mode"
	KeyFrequency         = "radio.frequency"
	KeySpreadingFactor   = "radio.spreading_factor"
	KeyCAD               = "radio.cad"
	KeyGranularity       = "statistics.granularity"
	KeyNodesMax          = "nodes.max"
	KeyKeepalive         = "backend.keepalive_interval"
	KeyStatInterval      = "statistics.interval"
	KeyWatchdogInterval  = "timers.watchdog_interval"
	KeyCheckMIC          = "codec.check_mic"
	KeyDownlinkRewrite   = "downlink.rewrite"
	KeyCountUnknownNodes = "forwarding.count_unknown"
)

// Patch is a partial update of the runtime-tunable settings
type Patch struct {
	ForwardingMode   *string                  `json:"forwarding_mode,omitempty"`
	Frequency        *uint32                  `json:"frequency,omitempty"`
	SpreadingFactor  *lorawan.SpreadingFactor `json:"spreading_factor,omitempty"`
	CAD              *bool                    `json:"cad,omitempty"`
	Granularity      *int                     `json:"granularity,omitempty"`
	NodesMax         *int                     `json:"nodes_max,omitempty"`
	Keepalive        *Duration                `json:"keepalive_interval,omitempty"`
	StatInterval     *Duration                `json:"stat_interval,omitempty"`
	WatchdogInterval *Duration                `json:"watchdog_interval,omitempty"`
	CheckMIC         *bool                    `json:"check_mic,omitempty"`
	DownlinkRewrite  *bool                    `json:"downlink_rewrite,omitempty"`
	CountUnknown     *bool                    `json:"count_unknown,omitempty"`
}

// Duration is a time.Duration that reads and writes as "15s" in JSON
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// IsEmpty reports whether the patch changes nothing
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// apply writes the patch into cfg and returns the changed key/value pairs
func (p Patch) apply(cfg *Config) map[string]string {
	changed := make(map[string]string)
	if p.ForwardingMode != nil {
		cfg.Forwarding.Mode = *p.ForwardingMode
		changed[KeyForwardingMode] = *p.ForwardingMode
	}
	if p.Frequency != nil {
		cfg.Radio.Frequency = *p.Frequency
		changed[KeyFrequency] = strconv.FormatUint(uint64(*p.Frequency), 10)
		// 固定信道始终是信道表的第一项
		if len(cfg.Radio.Channels) > 0 {
			cfg.Radio.Channels[0] = *p.Frequency
		}
	}
	if p.SpreadingFactor != nil {
		cfg.Radio.SpreadingFactor = *p.SpreadingFactor
		changed[KeySpreadingFactor] = strconv.Itoa(int(*p.SpreadingFactor))
	}
	if p.CAD != nil {
		cfg.Radio.CAD = *p.CAD
		changed[KeyCAD] = strconv.FormatBool(*p.CAD)
	}
	if p.Granularity != nil {
		cfg.Statistics.Granularity = *p.Granularity
		changed[KeyGranularity] = strconv.Itoa(*p.Granularity)
	}
	if p.NodesMax != nil {
		cfg.Nodes.Max = *p.NodesMax
		changed[KeyNodesMax] = strconv.Itoa(*p.NodesMax)
	}
	if p.Keepalive != nil {
		cfg.Backend.KeepaliveInterval = time.Duration(*p.Keepalive)
		changed[KeyKeepalive] = time.Duration(*p.Keepalive).String()
	}
	if p.StatInterval != nil {
		cfg.Statistics.Interval = time.Duration(*p.StatInterval)
		changed[KeyStatInterval] = time.Duration(*p.StatInterval).String()
	}
	if p.WatchdogInterval != nil {
		cfg.Timers.WatchdogInterval = time.Duration(*p.WatchdogInterval)
		changed[KeyWatchdogInterval] = time.Duration(*p.WatchdogInterval).String()
	}
	if p.CheckMIC != nil {
		cfg.Codec.CheckMIC = *p.CheckMIC
		changed[KeyCheckMIC] = strconv.FormatBool(*p.CheckMIC)
	}
	if p.DownlinkRewrite != nil {
		cfg.Downlink.Rewrite = *p.DownlinkRewrite
		changed[KeyDownlinkRewrite] = strconv.FormatBool(*p.DownlinkRewrite)
	}
	if p.CountUnknown != nil {
		cfg.Forwarding.CountUnknown = *p.CountUnknown
		changed[KeyCountUnknownNodes] = strconv.FormatBool(*p.CountUnknown)
	}
	return changed
}

// ErrInvalidPatch is returned by Apply when the patched configuration does not validate
var ErrInvalidPatch = errors.New("invalid configuration")

// ErrNotFound must be returned (or wrapped) by KeyValueStore.ReadConfig for missing keys
var ErrNotFound = errors.New("not found")

// ApplyStored overrides cfg with the settings persisted by a previous run
func ApplyStored(ctx context.Context, store KeyValueStore, cfg *Config) error {
	var p Patch
	read := func(key string, set func(string) error) error {
		v, err := store.ReadConfig(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return fmt.Errorf("read %s: %w", key, err)
		}
		if err := set(v); err != nil {
			return fmt.Errorf("stored %s=%q: %w", key, v, err)
		}
		return nil
	}

	steps := []struct {
		key string
		set func(string) error
	}{
		{KeyForwardingMode, func(v string) error { p.ForwardingMode = &v; return nil }},
		{KeyFrequency, func(v string) error {
			n, err := strconv.ParseUint(v, 10, 32)
			f := uint32(n)
			p.Frequency = &f
			return err
		}},
		{KeySpreadingFactor, func(v string) error {
			n, err := strconv.Atoi(v)
			sf := lorawan.SpreadingFactor(n)
			p.SpreadingFactor = &sf
			return err
		}},
		{KeyCAD, boolSetter(&p.CAD)},
		{KeyGranularity, intSetter(&p.Granularity)},
		{KeyNodesMax, intSetter(&p.NodesMax)},
		{KeyKeepalive, durationSetter(&p.Keepalive)},
		{KeyStatInterval, durationSetter(&p.StatInterval)},
		{KeyWatchdogInterval, durationSetter(&p.WatchdogInterval)},
		{KeyCheckMIC, boolSetter(&p.CheckMIC)},
		{KeyDownlinkRewrite, boolSetter(&p.DownlinkRewrite)},
		{KeyCountUnknownNodes, boolSetter(&p.CountUnknown)},
	}
	for _, s := range steps {
		if err := read(s.key, s.set); err != nil {
			return err
		}
	}

	if p.IsEmpty() {
		return nil
	}

	next := cfg.Clone()
	p.apply(next)
	if err := next.validateAndSetDefaults(); err != nil {
		return fmt.Errorf("stored configuration: %w", err)
	}
	*cfg = *next

	log.Info().Msg("已加载持久化配置")
	return nil
}

func boolSetter(dst **bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		*dst = &b
		return err
	}
}

func intSetter(dst **int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		*dst = &n
		return err
	}
}

func durationSetter(dst **Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		dd := Duration(d)
		*dst = &dd
		return err
	}
}

// Runtime holds the live configuration and broadcasts changes
type Runtime struct {
	mu    sync.RWMutex
	cfg   *Config
	store KeyValueStore
	subs  []chan *Config
}

// NewRuntime creates a runtime holder; store may be nil
func NewRuntime(cfg *Config, store KeyValueStore) *Runtime {
	return &Runtime{cfg: cfg, store: store}
}

// Current returns the active configuration. Callers must not modify it.
func (r *Runtime) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Subscribe returns a channel that receives every new configuration.
// Only the latest value is kept for slow readers.
func (r *Runtime) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// Apply validates and persists a patch, then swaps the active configuration
func (r *Runtime) Apply(ctx context.Context, p Patch) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.cfg.Clone()
	changed := p.apply(next)
	if err := next.validateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	if r.store != nil && len(changed) > 0 {
		if err := r.store.WriteConfigs(ctx, changed); err != nil {
			return nil, fmt.Errorf("persist config: %w", err)
		}
	}

	r.cfg = next
	for _, ch := range r.subs {
		// 丢弃未读取的旧值
		select {
		case <-ch:
		default:
		}
		ch <- next
	}

	log.Info().Int("keys", len(changed)).Msg("运行时配置已更新")
	return next, nil
}

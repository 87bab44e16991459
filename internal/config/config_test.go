package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

type memStore struct {
	values map[string]string
	fail   error
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (m *memStore) ReadConfig(_ context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *memStore) WriteConfig(_ context.Context, key, value string) error {
	if m.fail != nil {
		return m.fail
	}
	m.values[key] = value
	return nil
}

func (m *memStore) WriteConfigs(_ context.Context, values map[string]string) error {
	if m.fail != nil {
		return m.fail
	}
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("gateway:\n  eui: \"0102030405060708\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Radio.Frequency != 868100000 {
		t.Errorf("Frequency = %d", cfg.Radio.Frequency)
	}
	if cfg.Radio.SpreadingFactor != lorawan.SF9 {
		t.Errorf("SpreadingFactor = %s", cfg.Radio.SpreadingFactor)
	}
	if !cfg.Radio.CAD || !cfg.Downlink.Rewrite || cfg.Codec.CheckMIC {
		t.Errorf("flags cad=%v rewrite=%v mic=%v", cfg.Radio.CAD, cfg.Downlink.Rewrite, cfg.Codec.CheckMIC)
	}
	if cfg.Forwarding.Mode != ModePassthrough {
		t.Errorf("Mode = %s", cfg.Forwarding.Mode)
	}
	if cfg.Nodes.Max != 100 || cfg.Statistics.HistorySize != 20 {
		t.Errorf("nodes.max=%d history=%d", cfg.Nodes.Max, cfg.Statistics.HistorySize)
	}
	// 单信道时 3 级降为 2 级
	if cfg.Statistics.Granularity != 2 {
		t.Errorf("Granularity = %d, want 2", cfg.Statistics.Granularity)
	}
	if cfg.Timers.StuckLimit != 4*cfg.Timers.WatchdogInterval {
		t.Errorf("StuckLimit = %s", cfg.Timers.StuckLimit)
	}
	if cfg.Gateway.EUI.String() != "0102030405060708" {
		t.Errorf("EUI = %s", cfg.Gateway.EUI)
	}
}

func TestParseServersAndChannels(t *testing.T) {
	data := []byte(`
radio:
  channels: [868100000, 868300000, 868500000]
backend:
  servers: ["router.eu.example.org", "10.0.0.2:1701"]
statistics:
  interval: 30s
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Statistics.Granularity != 3 {
		t.Errorf("Granularity = %d, want 3", cfg.Statistics.Granularity)
	}
	if cfg.Backend.Servers[0] != "router.eu.example.org:1700" || cfg.Backend.Servers[1] != "10.0.0.2:1701" {
		t.Errorf("Servers = %v", cfg.Backend.Servers)
	}
	if cfg.Statistics.Interval != 30*time.Second {
		t.Errorf("Interval = %s", cfg.Statistics.Interval)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad sf", "radio:\n  spreading_factor: 6\n"},
		{"bad bandwidth", "radio:\n  bandwidth: 300\n"},
		{"bad mode", "forwarding:\n  mode: loose\n"},
		{"bad granularity", "statistics:\n  granularity: 4\n"},
		{"bad storage", "storage:\n  driver: s3\n"},
		{"bad coding rate", "radio:\n  coding_rate: \"4/9\"\n"},
		{"stuck limit below downlink lead", "timers:\n  stuck_limit: 5s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStuckLimitCoversDownlinkLead(t *testing.T) {
	cfg, err := Parse([]byte("timers:\n  watchdog_interval: 2s\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Timers.StuckLimit != MinStuckLimit {
		t.Errorf("StuckLimit = %s, want %s", cfg.Timers.StuckLimit, MinStuckLimit)
	}
	if cfg.Timers.StuckLimit <= MaxDownlinkLead {
		t.Errorf("StuckLimit %s does not cover a %s downlink", cfg.Timers.StuckLimit, MaxDownlinkLead)
	}

	cfg, err = Parse([]byte("timers:\n  stuck_limit: 30s\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Timers.StuckLimit != 30*time.Second {
		t.Errorf("StuckLimit = %s", cfg.Timers.StuckLimit)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCGW_FORWARDING_MODE", "2")
	t.Setenv("SCGW_SERVERS", "a.example.org,b.example.org:1800")
	t.Setenv("NATS_URL", "nats://nats:4222")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Forwarding.Mode != ModeStrict {
		t.Errorf("Mode = %s", cfg.Forwarding.Mode)
	}
	if len(cfg.Backend.Servers) != 2 || cfg.Backend.Servers[0] != "a.example.org:1700" {
		t.Errorf("Servers = %v", cfg.Backend.Servers)
	}
	if cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("NATS.URL = %s", cfg.NATS.URL)
	}
}

func TestNormalizeMode(t *testing.T) {
	tests := map[string]string{
		"":            ModePassthrough,
		"0":           ModePassthrough,
		"1":           ModePassthrough,
		"2":           ModeStrict,
		"STRICT":      ModeStrict,
		"passthrough": ModePassthrough,
	}
	for in, want := range tests {
		got, err := NormalizeMode(in)
		if err != nil || got != want {
			t.Errorf("NormalizeMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := NormalizeMode("3"); err == nil {
		t.Error("mode 3 accepted")
	}
}

func TestApplyStored(t *testing.T) {
	store := newMemStore()
	store.values[KeyForwardingMode] = "strict"
	store.values[KeySpreadingFactor] = "12"
	store.values[KeyWatchdogInterval] = "30s"
	store.values[KeyCAD] = "false"

	cfg := Default()
	if err := cfg.validateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	if err := ApplyStored(context.Background(), store, cfg); err != nil {
		t.Fatalf("ApplyStored: %v", err)
	}

	if cfg.Forwarding.Mode != ModeStrict || cfg.Radio.SpreadingFactor != lorawan.SF12 || cfg.Radio.CAD {
		t.Errorf("cfg = %+v", cfg.Radio)
	}
	if cfg.Timers.WatchdogInterval != 30*time.Second {
		t.Errorf("WatchdogInterval = %s", cfg.Timers.WatchdogInterval)
	}

	store.values[KeySpreadingFactor] = "13"
	if err := ApplyStored(context.Background(), store, cfg); err == nil {
		t.Error("invalid stored SF accepted")
	}
}

func TestRuntimeApply(t *testing.T) {
	store := newMemStore()
	cfg := Default()
	if err := cfg.validateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	rt := NewRuntime(cfg, store)
	sub := rt.Subscribe()

	mode := "strict"
	sf := lorawan.SF7
	next, err := rt.Apply(context.Background(), Patch{ForwardingMode: &mode, SpreadingFactor: &sf})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if next.Forwarding.Mode != ModeStrict || rt.Current().Radio.SpreadingFactor != lorawan.SF7 {
		t.Errorf("current = %+v", rt.Current().Forwarding)
	}
	if cfg.Forwarding.Mode != ModePassthrough {
		t.Error("original config modified")
	}
	if store.values[KeyForwardingMode] != "strict" || store.values[KeySpreadingFactor] != "7" {
		t.Errorf("stored = %v", store.values)
	}

	select {
	case got := <-sub:
		if got != next {
			t.Error("subscriber got a different config")
		}
	default:
		t.Fatal("subscriber not notified")
	}

	bad := lorawan.SpreadingFactor(5)
	if _, err := rt.Apply(context.Background(), Patch{SpreadingFactor: &bad}); err == nil {
		t.Error("invalid patch accepted")
	}
	if rt.Current() != next {
		t.Error("config swapped after failed patch")
	}

	store.fail = errors.New("disk full")
	if _, err := rt.Apply(context.Background(), Patch{ForwardingMode: &mode}); err == nil {
		t.Error("persist failure ignored")
	}
}

func TestRuntimeApplyPersistsAllOrNothing(t *testing.T) {
	cfg := Default()
	if err := cfg.validateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	store := newMemStore()
	rt := NewRuntime(cfg, store)

	mode := "strict"
	sf := lorawan.SF12
	cad := false
	store.fail = errors.New("disk full")
	if _, err := rt.Apply(context.Background(), Patch{ForwardingMode: &mode, SpreadingFactor: &sf, CAD: &cad}); err == nil {
		t.Fatal("persist failure ignored")
	}
	if len(store.values) != 0 {
		t.Errorf("partial write: %v", store.values)
	}
	if rt.Current() != cfg {
		t.Error("config swapped after failed persist")
	}

	store.fail = nil
	if _, err := rt.Apply(context.Background(), Patch{ForwardingMode: &mode, SpreadingFactor: &sf, CAD: &cad}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, k := range []string{KeyForwardingMode, KeySpreadingFactor, KeyCAD} {
		if _, ok := store.values[k]; !ok {
			t.Errorf("%s not persisted", k)
		}
	}
}

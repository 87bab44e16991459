package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

func TestNodeRecordLine(t *testing.T) {
	r := NodeRecord{
		Address:  lorawan.DevAddr{0xa1, 0xb2, 0xc3, 0xd4},
		LastSeen: time.Unix(1700000000, 0),
		SFMask:   0x05,
	}
	if got := r.String(); got != "a1b2c3d4 1700000000 05" {
		t.Fatalf("String = %q", got)
	}

	back, err := ParseNodeRecord(r.String())
	if err != nil {
		t.Fatal(err)
	}
	if back.Address != r.Address || !back.LastSeen.Equal(r.LastSeen) || back.SFMask != r.SFMask {
		t.Errorf("parsed = %+v", back)
	}

	for _, bad := range []string{"", "a1b2c3d4 1", "zz 1 00", "a1b2c3d4 x 00", "a1b2c3d4 1 1ff"} {
		if _, err := ParseNodeRecord(bad); !errors.Is(err, ErrInvalidData) {
			t.Errorf("ParseNodeRecord(%q) err = %v", bad, err)
		}
	}
}

func TestFileStoreConfig(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.ReadConfig(ctx, "forwarding.mode"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key err = %v", err)
	}
	if err := s.WriteConfig(ctx, "forwarding.mode", "strict"); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteConfig(ctx, "radio.spreading_factor", "12"); err != nil {
		t.Fatal(err)
	}
	v, err := s.ReadConfig(ctx, "forwarding.mode")
	if err != nil || v != "strict" {
		t.Fatalf("ReadConfig = %q, %v", v, err)
	}

	err = s.WriteConfigs(ctx, map[string]string{"forwarding.mode": "passthrough", "radio.cad": "false"})
	if err != nil {
		t.Fatal(err)
	}
	for key, want := range map[string]string{
		"forwarding.mode":        "passthrough",
		"radio.cad":              "false",
		"radio.spreading_factor": "12",
	} {
		if v, err := s.ReadConfig(ctx, key); err != nil || v != want {
			t.Errorf("%s = %q, %v; want %q", key, v, err, want)
		}
	}
}

func TestFileStoreLog(t *testing.T) {
	ctx := context.Background()
	s, _ := NewFileStore(t.TempDir(), 10)

	for _, l := range []string{"one", "two", "three", "four"} {
		if err := s.AppendLog(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	u, err := s.LogUsage(ctx)
	if err != nil || u.Used != 4 || u.Capacity != 10 {
		t.Fatalf("usage = %+v, %v", u, err)
	}

	recent, _ := s.ReadLog(ctx, 2)
	if len(recent) != 2 || recent[0] != "three" || recent[1] != "four" {
		t.Errorf("ReadLog = %v", recent)
	}

	n, err := s.PruneLog(ctx, 3)
	if err != nil || n != 3 {
		t.Fatalf("PruneLog = %d, %v", n, err)
	}
	all, _ := s.ReadLog(ctx, 0)
	if len(all) != 1 || all[0] != "four" {
		t.Errorf("after prune = %v", all)
	}

	if n, _ := s.PruneLog(ctx, 5); n != 1 {
		t.Errorf("prune beyond length removed %d", n)
	}
}

func TestFileStoreNodes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, _ := NewFileStore(dir, 10)

	records := []NodeRecord{
		{Address: lorawan.DevAddr{1, 2, 3, 4}, LastSeen: time.Unix(100, 0), SFMask: 1},
		{Address: lorawan.DevAddr{5, 6, 7, 8}, LastSeen: time.Unix(200, 0), SFMask: 0x20},
	}
	if err := s.SaveNodes(ctx, records); err != nil {
		t.Fatal(err)
	}

	reopened, _ := NewFileStore(dir, 10)
	got, err := reopened.LoadNodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Address != records[1].Address || got[1].SFMask != 0x20 {
		t.Errorf("LoadNodes = %+v", got)
	}
}

package downlink

import (
	"errors"
	"testing"
	"time"

	"github.com/lorawan-server/sc-gateway/internal/codec"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

const (
	f0 = 868100000
	f1 = 869525000
)

func newScheduler(rewrite bool, now time.Time) (*Scheduler, *radio.Arbiter, *radio.Counter) {
	arb := radio.NewArbiter()
	counter := radio.NewCounter(now.Add(-time.Minute))
	s := NewScheduler(Options{
		Channel: Channel{Frequency: f0, SpreadingFactor: lorawan.SF9, Bandwidth: 125, CodingRate: "4/5", TxPower: 14},
		Rewrite: rewrite,
	}, codec.New(codec.Options{}), arb, counter)
	return s, arb, counter
}

func instruction(freq uint32, sf lorawan.SpreadingFactor) models.DownlinkInstruction {
	return models.DownlinkInstruction{
		Token:                 9,
		Server:                "127.0.0.1:1700",
		TargetFrequency:       freq,
		TargetSpreadingFactor: sf,
		Bandwidth:             125,
		Power:                 27,
		InvertPolarity:        true,
		Timing:                models.TimingImmediate,
		Payload:               make([]byte, 17),
	}
}

func TestRewriteToGatewayChannel(t *testing.T) {
	now := time.Now()
	s, arb, _ := newScheduler(true, now)

	tx, err := s.Schedule(instruction(f1, lorawan.SF12), now)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Request.Frequency != f0 || tx.Request.SpreadingFactor != lorawan.SF9 {
		t.Errorf("request on %d %s, want %d SF9", tx.Request.Frequency, tx.Request.SpreadingFactor, f0)
	}
	if tx.Request.Power != 14 || !tx.Request.InvertIQ {
		t.Errorf("power=%d invertIQ=%v", tx.Request.Power, tx.Request.InvertIQ)
	}
	if arb.State() != radio.StateDownlinkPending {
		t.Errorf("state = %s", arb.State())
	}
}

func TestMismatchDroppedWithoutRewrite(t *testing.T) {
	now := time.Now()
	s, arb, _ := newScheduler(false, now)

	_, err := s.Schedule(instruction(f1, lorawan.SF12), now)
	if !errors.Is(err, ErrChannelMismatch) {
		t.Fatalf("err = %v", err)
	}
	if arb.State() != radio.StateScan {
		t.Errorf("state = %s", arb.State())
	}

	if _, err := s.Schedule(instruction(f0, lorawan.SF9), now); err != nil {
		t.Errorf("matching instruction: %v", err)
	}
}

func TestTiming(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		timing  models.TimingMode
		offset  time.Duration
		wantErr error
	}{
		{"in time", models.TimingTimestamp, time.Second, nil},
		{"elapsed", models.TimingTimestamp, -time.Second, radio.ErrWindowMissed},
		{"too early", models.TimingTimestamp, 30 * time.Second, ErrTooEarly},
		{"gps", models.TimingGPS, 0, ErrUnsupportedTiming},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, arb, counter := newScheduler(true, now)
			instr := instruction(f0, lorawan.SF9)
			instr.Timing = tt.timing
			instr.TransmitTimestamp = counter.Tmst(now.Add(tt.offset))

			tx, err := s.Schedule(instr, now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if d := tx.Due.Sub(now.Add(tt.offset)); d > time.Microsecond || d < -time.Microsecond {
				t.Errorf("due off by %s", d)
			}
			if arb.State() != radio.StateDownlinkPending {
				t.Errorf("state = %s", arb.State())
			}
		})
	}

	s, arb, counter := newScheduler(true, now)
	instr := instruction(f0, lorawan.SF9)
	instr.Timing = models.TimingTimestamp
	instr.TransmitTimestamp = counter.Tmst(now.Add(-time.Second))
	s.Schedule(instr, now)
	if arb.Missed() != 1 {
		t.Errorf("missed = %d", arb.Missed())
	}
}

func TestLateTolerance(t *testing.T) {
	now := time.Now()
	s, _, counter := newScheduler(true, now)
	opts := s.options()
	opts.LateTolerance = 50 * time.Millisecond
	s.SetOptions(opts)

	instr := instruction(f0, lorawan.SF9)
	instr.Timing = models.TimingTimestamp
	instr.TransmitTimestamp = counter.Tmst(now.Add(-20 * time.Millisecond))
	if _, err := s.Schedule(instr, now); err != nil {
		t.Errorf("within tolerance: %v", err)
	}
}

func TestPayloadTooLargeAfterRewrite(t *testing.T) {
	now := time.Now()
	s, arb, _ := newScheduler(true, now)

	instr := instruction(f1, lorawan.SF7)
	instr.Payload = make([]byte, 200)
	if _, err := s.Schedule(instr, now); !errors.Is(err, codec.ErrPayloadTooLarge) {
		t.Fatalf("err = %v", err)
	}
	if arb.State() != radio.StateScan {
		t.Errorf("state = %s", arb.State())
	}
}

func TestSecondWindowBusy(t *testing.T) {
	now := time.Now()
	s, _, _ := newScheduler(true, now)

	if _, err := s.Schedule(instruction(f0, lorawan.SF9), now); err != nil {
		t.Fatal(err)
	}
	_, err := s.Schedule(instruction(f0, lorawan.SF9), now)
	if !errors.Is(err, radio.ErrBusy) {
		t.Fatalf("err = %v", err)
	}
	if AckCode(err) != models.TxAckCollision {
		t.Errorf("ack code = %s", AckCode(err))
	}
}

func TestAckCode(t *testing.T) {
	tests := []struct {
		err  error
		want models.TxAckError
	}{
		{nil, models.TxAckNone},
		{radio.ErrWindowMissed, models.TxAckTooLate},
		{ErrTooEarly, models.TxAckTooEarly},
		{ErrUnsupportedTiming, models.TxAckGPS},
		{ErrChannelMismatch, models.TxAckTxFreq},
		{codec.ErrPayloadTooLarge, models.TxAckTxFreq},
	}
	for _, tt := range tests {
		if got := AckCode(tt.err); got != tt.want {
			t.Errorf("AckCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

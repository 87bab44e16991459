package lorawan

import (
	"testing"
	"time"
)

func near(a, b, tol time.Duration) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func TestParseDataRate(t *testing.T) {
	tests := []struct {
		in      string
		want    DataRate
		wantErr bool
	}{
		{"SF9BW125", DataRate{SF9, 125}, false},
		{"sf12bw125", DataRate{SF12, 125}, false},
		{"SF7BW250", DataRate{SF7, 250}, false},
		{"SF6BW125", DataRate{}, true},
		{"SF9BW300", DataRate{}, true},
		{"FSK", DataRate{}, true},
		{"SFxBW125", DataRate{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDataRate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	if s := (DataRate{SF9, 125}).String(); s != "SF9BW125" {
		t.Errorf("String = %s", s)
	}
}

func TestMaxPHYPayloadSize(t *testing.T) {
	tests := []struct {
		sf   SpreadingFactor
		want int
	}{
		{SF7, 255},
		{SF8, 255},
		{SF9, 128},
		{SF10, 64},
		{SF12, 64},
		{SpreadingFactor(6), 0},
	}
	for _, tt := range tests {
		if got := MaxPHYPayloadSize(tt.sf); got != tt.want {
			t.Errorf("MaxPHYPayloadSize(%s) = %d, want %d", tt.sf, got, tt.want)
		}
		if tt.want > 0 && MaxAppPayloadSize(tt.sf) != tt.want-PHYOverhead {
			t.Errorf("MaxAppPayloadSize(%s) = %d", tt.sf, MaxAppPayloadSize(tt.sf))
		}
	}
}

func TestTiming(t *testing.T) {
	if d := SymbolDuration(SF7, 125); !near(d, 1024*time.Microsecond, time.Microsecond) {
		t.Errorf("SF7 symbol = %v", d)
	}
	if d := PreambleDuration(SF7, 125, DefaultPreambleLength); !near(d, 12544*time.Microsecond, 2*time.Microsecond) {
		t.Errorf("SF7 preamble = %v", d)
	}
	// 13 字节 SF7/125kHz 约 46.3ms
	if d := TimeOnAir(SF7, 125, 1, 13); !near(d, 46336*time.Microsecond, 100*time.Microsecond) {
		t.Errorf("SF7 airtime = %v", d)
	}
	if TimeOnAir(SF12, 125, 1, 13) <= TimeOnAir(SF7, 125, 1, 13) {
		t.Error("SF12 airtime should exceed SF7")
	}
}

func TestSpreadingFactorBits(t *testing.T) {
	var mask uint8
	for _, sf := range SpreadingFactors {
		mask |= sf.Bit()
	}
	if mask != 0x3f {
		t.Errorf("mask = %#x", mask)
	}
	if SF9.Index() != 2 || SF9.String() != "SF9" {
		t.Errorf("SF9 index/string = %d/%s", SF9.Index(), SF9)
	}
}

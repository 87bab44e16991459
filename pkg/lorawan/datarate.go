package lorawan

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SpreadingFactor represents a LoRa spreading factor (SF7..SF12)
type SpreadingFactor uint8

const (
	SF7  SpreadingFactor = 7
	SF8  SpreadingFactor = 8
	SF9  SpreadingFactor = 9
	SF10 SpreadingFactor = 10
	SF11 SpreadingFactor = 11
	SF12 SpreadingFactor = 12
)

// NumSpreadingFactors is the size of per-SF tables
const NumSpreadingFactors = 6

// SpreadingFactors lists the supported factors, fastest first
var SpreadingFactors = [NumSpreadingFactors]SpreadingFactor{SF7, SF8, SF9, SF10, SF11, SF12}

// Valid reports whether sf is supported
func (sf SpreadingFactor) Valid() bool {
	return sf >= SF7 && sf <= SF12
}

// Index returns the position of sf in per-SF tables
func (sf SpreadingFactor) Index() int {
	return int(sf) - int(SF7)
}

// Bit returns the bit used in seen-SF bitmasks
func (sf SpreadingFactor) Bit() uint8 {
	return 1 << uint(sf.Index())
}

func (sf SpreadingFactor) String() string {
	return fmt.Sprintf("SF%d", uint8(sf))
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor SpreadingFactor
	Bandwidth    int // kHz
}

// String returns the Semtech datr form, e.g. "SF9BW125"
func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", uint8(d.SpreadFactor), d.Bandwidth)
}

// ParseDataRate parses a Semtech datr identifier
func ParseDataRate(s string) (DataRate, error) {
	var dr DataRate
	upper := strings.ToUpper(strings.TrimSpace(s))
	i := strings.Index(upper, "BW")
	if !strings.HasPrefix(upper, "SF") || i < 0 {
		return dr, fmt.Errorf("invalid datr %q", s)
	}

	sf, err := strconv.Atoi(upper[2:i])
	if err != nil {
		return dr, fmt.Errorf("invalid datr %q: %w", s, err)
	}
	bw, err := strconv.Atoi(upper[i+2:])
	if err != nil {
		return dr, fmt.Errorf("invalid datr %q: %w", s, err)
	}

	dr.SpreadFactor = SpreadingFactor(sf)
	dr.Bandwidth = bw
	if !dr.SpreadFactor.Valid() {
		return dr, fmt.Errorf("unsupported spreading factor in %q", s)
	}
	switch bw {
	case 125, 250, 500:
	default:
		return dr, fmt.Errorf("unsupported bandwidth in %q", s)
	}

	return dr, nil
}

// EU868 应用层最大负载 (N)，按 SF 索引 (SF7..SF12)
var maxAppPayloadPerSF = [NumSpreadingFactors]int{
	242, // SF7  DR5
	242, // SF8  DR4
	115, // SF9  DR3
	51,  // SF10 DR2
	51,  // SF11 DR1
	51,  // SF12 DR0
}

// PHYOverhead is MHDR + FHDR (no FOpts) + FPort + MIC
const PHYOverhead = 1 + 7 + 1 + 4

// MaxAppPayloadSize returns the largest FRMPayload allowed at sf
func MaxAppPayloadSize(sf SpreadingFactor) int {
	if !sf.Valid() {
		return 0
	}
	return maxAppPayloadPerSF[sf.Index()]
}

// MaxPHYPayloadSize returns the largest PHYPayload allowed at sf
func MaxPHYPayloadSize(sf SpreadingFactor) int {
	if !sf.Valid() {
		return 0
	}
	return MaxAppPayloadSize(sf) + PHYOverhead
}

// DefaultPreambleLength is the LoRaWAN preamble length in symbols
const DefaultPreambleLength = 8

// SymbolDuration returns 2^SF / BW
func SymbolDuration(sf SpreadingFactor, bandwidthKHz int) time.Duration {
	if bandwidthKHz <= 0 {
		return 0
	}
	return time.Duration(float64(uint64(1)<<uint(sf)) / float64(bandwidthKHz*1000) * float64(time.Second))
}

// PreambleDuration returns the airtime of the preamble including the sync word
func PreambleDuration(sf SpreadingFactor, bandwidthKHz, preambleSymbols int) time.Duration {
	sym := SymbolDuration(sf, bandwidthKHz)
	return time.Duration((float64(preambleSymbols) + 4.25) * float64(sym))
}

// TimeOnAir computes the frame airtime (explicit header, CRC on).
// codingRate is the denominator offset: 1 for 4/5 up to 4 for 4/8.
func TimeOnAir(sf SpreadingFactor, bandwidthKHz, codingRate, payloadLen int) time.Duration {
	sym := SymbolDuration(sf, bandwidthKHz)
	de := 0
	if sym >= 16*time.Millisecond {
		de = 1
	}

	num := float64(8*payloadLen - 4*int(sf) + 28 + 16)
	den := float64(4 * (int(sf) - 2*de))
	n := math.Ceil(num/den) * float64(codingRate+4)
	if n < 0 {
		n = 0
	}
	payloadSymbols := 8 + n

	return PreambleDuration(sf, bandwidthKHz, DefaultPreambleLength) + time.Duration(payloadSymbols*float64(sym))
}

// ParseCodingRate converts "4/5".."4/8" to 1..4
func ParseCodingRate(s string) (int, error) {
	switch strings.TrimSpace(s) {
	case "4/5", "":
		return 1, nil
	case "4/6":
		return 2, nil
	case "4/7":
		return 3, nil
	case "4/8":
		return 4, nil
	}
	return 0, fmt.Errorf("invalid coding rate %q", s)
}

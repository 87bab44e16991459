package radio

import (
	"context"
	"errors"
	"time"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Driver errors
var (
	ErrTimeout = errors.New("radio: timeout")
	ErrCRC     = errors.New("radio: crc error")
)

// Activity is the result of a channel activity detection
type Activity uint8

const (
	ActivityNone Activity = iota
	ActivityPreamble
)

// Settings configures the transceiver for full demodulation
type Settings struct {
	Frequency       uint32
	SpreadingFactor lorawan.SpreadingFactor
	Bandwidth       int // kHz
	CodingRate      int // 1..4 for 4/5..4/8
	PreambleLength  int
	InvertIQ        bool
	Power           int // dBm, transmit only
}

// Frame is a packet received by the transceiver
type Frame struct {
	Payload         []byte
	Frequency       uint32
	SpreadingFactor lorawan.SpreadingFactor
	Bandwidth       int
	CodingRate      int
	RSSI            int
	SNR             float64
	ReceivedAt      time.Time
}

// TxRequest is a radio-ready transmission
type TxRequest struct {
	Frequency       uint32
	SpreadingFactor lorawan.SpreadingFactor
	Bandwidth       int
	CodingRate      int
	Power           int
	InvertIQ        bool
	Payload         []byte
	Airtime         time.Duration
}

// Driver is the hardware abstraction of a single LoRa transceiver.
// It is only ever used from the gateway control goroutine.
type Driver interface {
	Init() error
	Configure(s Settings) error
	// DetectActivity listens for a preamble at sf for at most dwell
	DetectActivity(ctx context.Context, sf lorawan.SpreadingFactor, dwell time.Duration) (Activity, error)
	// Receive demodulates one frame with the current settings
	Receive(ctx context.Context, timeout time.Duration) (Frame, error)
	Transmit(ctx context.Context, req TxRequest) error
	Reset() error
}

package stub

import (
	"context"
	"sync"
	"time"

	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Driver implements a simulated transceiver for host-side runs and tests.
// Injected frames are "on air" until a matching preamble lock and
// Receive take them off.
type Driver struct {
	mu       sync.Mutex
	rx       []radio.Frame
	tx       []radio.TxRequest
	settings radio.Settings
	inits    int
	resets   int
	detects  int
	txErr    error
}

// New creates a stub driver
func New() *Driver { return &Driver{} }

var _ radio.Driver = (*Driver)(nil)

func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits++
	return nil
}

func (d *Driver) Configure(s radio.Settings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = s
	return nil
}

func (d *Driver) DetectActivity(ctx context.Context, sf lorawan.SpreadingFactor, dwell time.Duration) (radio.Activity, error) {
	if err := ctx.Err(); err != nil {
		return radio.ActivityNone, err
	}

	d.mu.Lock()
	d.detects++
	locked := len(d.rx) > 0 && d.rx[0].SpreadingFactor == sf
	d.mu.Unlock()
	if locked {
		return radio.ActivityPreamble, nil
	}

	// 模拟 CAD 驻留时间
	select {
	case <-ctx.Done():
		return radio.ActivityNone, ctx.Err()
	case <-time.After(dwell):
	}
	return radio.ActivityNone, nil
}

func (d *Driver) Receive(ctx context.Context, timeout time.Duration) (radio.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if len(d.rx) > 0 {
			f := d.rx[0]
			d.rx = d.rx[1:]
			set := d.settings
			d.mu.Unlock()
			sf := set.SpreadingFactor
			if f.Frequency == 0 {
				f.Frequency = set.Frequency
				f.Bandwidth = set.Bandwidth
				f.CodingRate = set.CodingRate
			}
			// 错误 SF 下无法解调
			if f.SpreadingFactor != sf {
				return radio.Frame{}, radio.ErrCRC
			}
			f.ReceivedAt = time.Now()
			return f, nil
		}
		d.mu.Unlock()

		if time.Now().After(deadline) {
			return radio.Frame{}, radio.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return radio.Frame{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (d *Driver) Transmit(ctx context.Context, req radio.TxRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.txErr != nil {
		return d.txErr
	}
	cp := req
	cp.Payload = append([]byte(nil), req.Payload...)
	d.tx = append(d.tx, cp)
	return nil
}

func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	d.settings = radio.Settings{}
	return nil
}

// InjectRx puts a frame on air
func (d *Driver) InjectRx(payload []byte, sf lorawan.SpreadingFactor, rssi int, snr float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = append(d.rx, radio.Frame{
		Payload:         append([]byte(nil), payload...),
		Frequency:       d.settings.Frequency,
		SpreadingFactor: sf,
		Bandwidth:       d.settings.Bandwidth,
		CodingRate:      d.settings.CodingRate,
		RSSI:            rssi,
		SNR:             snr,
	})
}

// GetTxLog returns every transmission so far
func (d *Driver) GetTxLog() []radio.TxRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]radio.TxRequest(nil), d.tx...)
}

// FailTransmit makes subsequent transmissions return err
func (d *Driver) FailTransmit(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txErr = err
}

// Settings returns the last applied settings
func (d *Driver) Settings() radio.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// Counts returns how often Init, Reset and DetectActivity ran
func (d *Driver) Counts() (inits, resets, detects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inits, d.resets, d.detects
}

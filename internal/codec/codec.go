package codec

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Codec errors
var (
	ErrMalformed       = errors.New("codec: malformed frame")
	ErrMICMismatch     = errors.New("codec: MIC mismatch")
	ErrPayloadTooLarge = errors.New("codec: payload too large")
)

// RxMeta carries the radio metadata of a received frame
type RxMeta struct {
	SpreadingFactor lorawan.SpreadingFactor
	Bandwidth       int
	CodingRate      string
	Frequency       uint32
	RSSI            int
	SNR             float64
	Timestamp       time.Time
	Tmst            uint32
}

// KeyLookup returns the network session key of a node, if known
type KeyLookup func(addr lorawan.DevAddr) (lorawan.AES128Key, bool)

// Options 编解码选项
type Options struct {
	CheckMIC   bool
	NetworkKey lorawan.AES128Key
	Keys       KeyLookup
}

// Codec validates uplinks and builds radio-ready downlinks
type Codec struct {
	mu       sync.RWMutex
	opts     Options
	failures atomic.Uint64
}

// New creates a codec
func New(opts Options) *Codec {
	return &Codec{opts: opts}
}

// SetOptions replaces the options (runtime reconfiguration)
func (c *Codec) SetOptions(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = opts
}

// Failures returns the number of frames rejected by Decode
func (c *Codec) Failures() uint64 {
	return c.failures.Load()
}

func (c *Codec) fail(err error) error {
	c.failures.Add(1)
	return err
}

// Decode parses and validates a raw radio frame
func (c *Codec) Decode(raw []byte, meta RxMeta) (*models.UplinkRecord, error) {
	max := lorawan.MaxPHYPayloadSize(meta.SpreadingFactor)
	if len(raw) < lorawan.MinPHYPayloadSize || len(raw) > max {
		return nil, c.fail(fmt.Errorf("%w: length %d outside [%d,%d]", ErrMalformed, len(raw), lorawan.MinPHYPayloadSize, max))
	}

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(raw); err != nil {
		return nil, c.fail(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if phy.MHDR.Major != lorawan.LoRaWANR1 {
		return nil, c.fail(fmt.Errorf("%w: major %d", ErrMalformed, phy.MHDR.Major))
	}

	rec := &models.UplinkRecord{
		ID:              uuid.New(),
		MType:           phy.MHDR.MType,
		SpreadingFactor: meta.SpreadingFactor,
		Bandwidth:       meta.Bandwidth,
		CodingRate:      meta.CodingRate,
		Frequency:       meta.Frequency,
		RSSI:            meta.RSSI,
		SNR:             meta.SNR,
		Timestamp:       meta.Timestamp,
		Tmst:            meta.Tmst,
		RawPayload:      append([]byte(nil), raw...),
	}

	switch {
	case phy.MHDR.MType == lorawan.JoinRequest:
		if len(raw) != lorawan.JoinRequestLength {
			return nil, c.fail(fmt.Errorf("%w: join request length %d", ErrMalformed, len(raw)))
		}
		return rec, nil

	case phy.MHDR.MType.IsDataUp():
		var mac lorawan.MACPayload
		if err := mac.Unmarshal(phy.MACPayload, true); err != nil {
			return nil, c.fail(fmt.Errorf("%w: %v", ErrMalformed, err))
		}
		rec.DeviceAddress = mac.FHDR.DevAddr
		rec.FrameCounter = uint32(mac.FHDR.FCnt)
		rec.FPort = mac.FPort

		if err := c.checkMIC(&phy, rec); err != nil {
			return nil, c.fail(err)
		}
		return rec, nil
	}

	return nil, c.fail(fmt.Errorf("%w: unexpected %s", ErrMalformed, phy.MHDR.MType))
}

func (c *Codec) checkMIC(phy *lorawan.PHYPayload, rec *models.UplinkRecord) error {
	c.mu.RLock()
	opts := c.opts
	c.mu.RUnlock()

	if !opts.CheckMIC {
		return nil
	}

	key := opts.NetworkKey
	if opts.Keys != nil {
		if k, ok := opts.Keys(rec.DeviceAddress); ok && !k.IsZero() {
			key = k
		}
	}
	// 没有任何密钥时无法校验
	if key.IsZero() {
		return nil
	}

	ok, err := phy.ValidateUplinkDataMIC(rec.FrameCounter, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !ok {
		return fmt.Errorf("%w: devaddr %s", ErrMICMismatch, rec.DeviceAddress)
	}
	return nil
}

// Encode turns a downlink instruction into a radio transmission.
// Oversized payloads are rejected, never truncated.
func (c *Codec) Encode(instr models.DownlinkInstruction) (radio.TxRequest, error) {
	sf := instr.TargetSpreadingFactor
	if !sf.Valid() {
		return radio.TxRequest{}, fmt.Errorf("%w: spreading factor %d", ErrMalformed, sf)
	}
	if len(instr.Payload) == 0 {
		return radio.TxRequest{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if max := lorawan.MaxPHYPayloadSize(sf); len(instr.Payload) > max {
		return radio.TxRequest{}, fmt.Errorf("%w: %d bytes at %s (max %d)", ErrPayloadTooLarge, len(instr.Payload), sf, max)
	}

	cr, err := lorawan.ParseCodingRate(instr.CodingRate)
	if err != nil {
		return radio.TxRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	bw := instr.Bandwidth
	if bw == 0 {
		bw = 125
	}

	req := radio.TxRequest{
		Frequency:       instr.TargetFrequency,
		SpreadingFactor: sf,
		Bandwidth:       bw,
		CodingRate:      cr,
		Power:           instr.Power,
		InvertIQ:        instr.InvertPolarity,
		Payload:         append([]byte(nil), instr.Payload...),
		Airtime:         lorawan.TimeOnAir(sf, bw, cr, len(instr.Payload)),
	}

	log.Debug().
		Uint16("token", instr.Token).
		Int("size", len(req.Payload)).
		Dur("airtime", req.Airtime).
		Msg("下行已编码")

	return req, nil
}

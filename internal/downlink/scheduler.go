// Package downlink reconciles backend downlink instructions with the
// gateway's single fixed channel and reserves the radio for them.
package downlink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/codec"
	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/metrics"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Scheduler errors
var (
	ErrChannelMismatch   = errors.New("downlink: instruction does not match the gateway channel")
	ErrUnsupportedTiming = errors.New("downlink: GPS timing not supported")
	ErrTooEarly          = errors.New("downlink: transmit time too far ahead")
)

// MaxLead is the furthest ahead a tmst downlink may be scheduled
const MaxLead = config.MaxDownlinkLead

// Channel is the single channel the gateway transmits on
type Channel struct {
	Frequency       uint32
	SpreadingFactor lorawan.SpreadingFactor
	Bandwidth       int
	CodingRate      string
	TxPower         int
}

// Options 调度参数
type Options struct {
	Channel       Channel
	Rewrite       bool
	LateTolerance time.Duration
}

// Scheduler turns instructions into transmissions held by the arbiter
type Scheduler struct {
	mu      sync.Mutex
	opts    Options
	codec   *codec.Codec
	arbiter *radio.Arbiter
	counter *radio.Counter
}

// NewScheduler creates a scheduler
func NewScheduler(opts Options, c *codec.Codec, a *radio.Arbiter, counter *radio.Counter) *Scheduler {
	return &Scheduler{opts: opts, codec: c, arbiter: a, counter: counter}
}

// SetOptions applies new channel or rewrite settings
func (s *Scheduler) SetOptions(opts Options) {
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
}

func (s *Scheduler) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// reconcile applies the single-channel policy
func (s *Scheduler) reconcile(instr models.DownlinkInstruction, opts Options) (models.DownlinkInstruction, error) {
	ch := opts.Channel
	if instr.TargetFrequency == ch.Frequency && instr.TargetSpreadingFactor == ch.SpreadingFactor {
		return instr, nil
	}
	if !opts.Rewrite {
		return instr, fmt.Errorf("%w: %d Hz %s, gateway %d Hz %s", ErrChannelMismatch,
			instr.TargetFrequency, instr.TargetSpreadingFactor, ch.Frequency, ch.SpreadingFactor)
	}

	log.Info().
		Uint16("token", instr.Token).
		Uint32("freq", instr.TargetFrequency).
		Str("sf", instr.TargetSpreadingFactor.String()).
		Uint32("gatewayFreq", ch.Frequency).
		Str("gatewaySF", ch.SpreadingFactor.String()).
		Msg("下行参数改写为网关信道")
	metrics.Downlinks.WithLabelValues("rewritten").Inc()

	instr.TargetFrequency = ch.Frequency
	instr.TargetSpreadingFactor = ch.SpreadingFactor
	instr.Bandwidth = ch.Bandwidth
	return instr, nil
}

// Schedule reconciles instr, resolves its transmit time and requests
// the radio. The returned transmission holds the window.
func (s *Scheduler) Schedule(instr models.DownlinkInstruction, now time.Time) (*radio.Transmission, error) {
	opts := s.options()

	instr, err := s.reconcile(instr, opts)
	if err != nil {
		return nil, err
	}

	if instr.CodingRate == "" {
		instr.CodingRate = opts.Channel.CodingRate
	}
	if instr.Power <= 0 || (opts.Channel.TxPower > 0 && instr.Power > opts.Channel.TxPower) {
		instr.Power = opts.Channel.TxPower
	}

	tx := &radio.Transmission{Token: instr.Token, Server: instr.Server}
	switch instr.Timing {
	case models.TimingImmediate:
	case models.TimingTimestamp:
		tx.Due = s.counter.Time(instr.TransmitTimestamp, now)
		tx.Deadline = tx.Due.Add(opts.LateTolerance)
		if tx.Due.Sub(now) > MaxLead {
			return nil, fmt.Errorf("%w: %s", ErrTooEarly, tx.Due.Sub(now))
		}
	case models.TimingGPS:
		return nil, ErrUnsupportedTiming
	default:
		return nil, fmt.Errorf("downlink: unknown timing mode %d", instr.Timing)
	}

	req, err := s.codec.Encode(instr)
	if err != nil {
		return nil, err
	}
	tx.Request = req

	if err := s.arbiter.RequestTransmit(tx, now); err != nil {
		return nil, err
	}

	metrics.Downlinks.WithLabelValues("scheduled").Inc()
	log.Debug().
		Uint16("token", instr.Token).
		Uint32("freq", req.Frequency).
		Str("sf", req.SpreadingFactor.String()).
		Time("due", tx.Due).
		Msg("下行已调度")

	return tx, nil
}

// AckCode maps a scheduling or transmit error to its TX_ACK code
func AckCode(err error) models.TxAckError {
	switch {
	case err == nil:
		return models.TxAckNone
	case errors.Is(err, radio.ErrWindowMissed):
		return models.TxAckTooLate
	case errors.Is(err, ErrTooEarly):
		return models.TxAckTooEarly
	case errors.Is(err, radio.ErrBusy):
		return models.TxAckCollision
	case errors.Is(err, ErrUnsupportedTiming):
		return models.TxAckGPS
	default:
		// 协议没有负载错误码
		return models.TxAckTxFreq
	}
}

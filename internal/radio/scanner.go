package radio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// ScanConfig configures the spreading-factor scanner
type ScanConfig struct {
	Frequency      uint32
	Bandwidth      int
	CodingRate     int
	PreambleLength int
	Dwell          time.Duration
	// CAD false pins the radio to Fixed
	CAD   bool
	Fixed lorawan.SpreadingFactor
}

// Detection is a preamble lock
type Detection struct {
	SpreadingFactor lorawan.SpreadingFactor
	At              time.Time
}

// Scanner cycles channel activity detection over the spreading factors
type Scanner struct {
	driver     Driver
	cfg        ScanConfig
	hypotheses []lorawan.SpreadingFactor
	configured bool
	current    lorawan.SpreadingFactor
}

// NewScanner validates that a full cycle fits inside the shortest preamble
func NewScanner(driver Driver, cfg ScanConfig) (*Scanner, error) {
	if cfg.Dwell <= 0 {
		return nil, fmt.Errorf("scan dwell must be positive")
	}
	if cfg.PreambleLength <= 0 {
		cfg.PreambleLength = lorawan.DefaultPreambleLength
	}

	hyps := lorawan.SpreadingFactors[:]
	if !cfg.CAD {
		if !cfg.Fixed.Valid() {
			return nil, fmt.Errorf("invalid fixed spreading factor %d", cfg.Fixed)
		}
		hyps = []lorawan.SpreadingFactor{cfg.Fixed}
	}

	// 扫描一轮必须短于最快 SF 的前导码，否则会错过前导码
	cycle := time.Duration(len(hyps)) * cfg.Dwell
	preamble := lorawan.PreambleDuration(hyps[0], cfg.Bandwidth, cfg.PreambleLength)
	if cycle >= preamble {
		return nil, fmt.Errorf("scan cycle %s not shorter than %s preamble %s", cycle, hyps[0], preamble)
	}

	return &Scanner{
		driver:     driver,
		cfg:        cfg,
		hypotheses: hyps,
	}, nil
}

// Hypotheses returns the spreading factors tried, in order
func (s *Scanner) Hypotheses() []lorawan.SpreadingFactor {
	return s.hypotheses
}

// CycleDuration returns the worst-case length of one scan cycle
func (s *Scanner) CycleDuration() time.Duration {
	return time.Duration(len(s.hypotheses)) * s.cfg.Dwell
}

// Invalidate forces a reconfiguration on the next lock (after a radio reset)
func (s *Scanner) Invalidate() {
	s.configured = false
}

func (s *Scanner) settings(sf lorawan.SpreadingFactor) Settings {
	return Settings{
		Frequency:       s.cfg.Frequency,
		SpreadingFactor: sf,
		Bandwidth:       s.cfg.Bandwidth,
		CodingRate:      s.cfg.CodingRate,
		PreambleLength:  s.cfg.PreambleLength,
	}
}

// Scan runs one cycle and returns the first spreading factor that locks.
// On a lock the driver is left configured to demodulate at that factor.
func (s *Scanner) Scan(ctx context.Context) (Detection, bool, error) {
	for _, sf := range s.hypotheses {
		if err := ctx.Err(); err != nil {
			return Detection{}, false, err
		}

		act, err := s.driver.DetectActivity(ctx, sf, s.cfg.Dwell)
		if err != nil {
			return Detection{}, false, fmt.Errorf("detect activity at %s: %w", sf, err)
		}
		if act != ActivityPreamble {
			continue
		}

		if !s.configured || s.current != sf {
			if err := s.driver.Configure(s.settings(sf)); err != nil {
				return Detection{}, false, fmt.Errorf("configure %s: %w", sf, err)
			}
			s.configured = true
			s.current = sf
		}

		log.Debug().Str("sf", sf.String()).Msg("检测到前导码")
		return Detection{SpreadingFactor: sf, At: time.Now()}, true, nil
	}
	return Detection{}, false, nil
}

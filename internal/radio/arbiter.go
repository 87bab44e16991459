package radio

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/fault"
)

// Arbiter errors
var (
	ErrBusy         = errors.New("radio: downlink window already held")
	ErrWindowMissed = errors.New("radio: transmit window missed")
	ErrWindowHeld   = errors.New("radio: transmit window held")
)

// State of the shared radio
type State int

const (
	StateScan State = iota
	StateReceive
	StateDownlinkPending
	StateTransmit
)

func (s State) String() string {
	switch s {
	case StateScan:
		return "SCAN"
	case StateReceive:
		return "RECEIVE"
	case StateDownlinkPending:
		return "DOWNLINK_PENDING"
	case StateTransmit:
		return "TRANSMIT"
	}
	return "UNKNOWN"
}

// Transmission is a downlink holding a transmit window
type Transmission struct {
	Request  TxRequest
	Due      time.Time // zero for immediate
	Deadline time.Time // Due plus tolerance; zero means never late
	Token    uint16
	Server   string
}

// Late reports whether the window has passed at now
func (t *Transmission) Late(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// Outcome of ending a reception
type Outcome struct {
	Next    State
	Dropped *Transmission // set when a held window expired during reception
}

// Arbiter owns the radio state machine. Reception, scanning and
// transmission never overlap; at most one transmission is pending.
type Arbiter struct {
	mu      sync.Mutex
	state   State
	since   time.Time
	pending *Transmission
	missed  uint64
	clock   func() time.Time
}

// NewArbiter creates an arbiter in SCAN
func NewArbiter() *Arbiter {
	return newArbiterWithClock(time.Now)
}

func newArbiterWithClock(clock func() time.Time) *Arbiter {
	return &Arbiter{state: StateScan, since: clock(), clock: clock}
}

// State returns the current state
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Since returns when the current state was entered
func (a *Arbiter) Since() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.since
}

// Missed returns the number of downlinks dropped because their window passed
func (a *Arbiter) Missed() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.missed
}

// Pending returns the transmission holding the window, if any
func (a *Arbiter) Pending() (*Transmission, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending, a.pending != nil
}

func (a *Arbiter) enter(s State, at time.Time) {
	log.Debug().Str("from", a.state.String()).Str("to", s.String()).Msg("射频状态切换")
	a.state = s
	a.since = at
}

// BeginReceive moves SCAN to RECEIVE after a preamble lock. A window
// granted while the scanner was running wins over the lock.
func (a *Arbiter) BeginReceive() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateDownlinkPending {
		return ErrWindowHeld
	}
	if a.state != StateScan {
		return fault.Violationf("begin receive in state %s", a.state)
	}
	a.enter(StateReceive, a.clock())
	return nil
}

// EndReceive leaves RECEIVE. A window requested during the reception is
// taken up if it is still in time, otherwise it is dropped and counted.
func (a *Arbiter) EndReceive(now time.Time) (Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateReceive {
		return Outcome{Next: a.state}, fault.Violationf("end receive in state %s", a.state)
	}

	var out Outcome
	if a.pending != nil {
		if a.pending.Late(now) {
			out.Dropped = a.pending
			a.pending = nil
			a.missed++
			log.Info().Uint16("token", out.Dropped.Token).Msg("接收期间下行窗口已过，丢弃")
		} else {
			a.enter(StateDownlinkPending, now)
			out.Next = StateDownlinkPending
			return out, nil
		}
	}

	a.enter(StateScan, now)
	out.Next = StateScan
	return out, nil
}

// RequestTransmit reserves the radio for tx
func (a *Arbiter) RequestTransmit(tx *Transmission, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending != nil || a.state == StateTransmit || a.state == StateDownlinkPending {
		return ErrBusy
	}
	if tx.Late(now) {
		a.missed++
		return ErrWindowMissed
	}

	a.pending = tx
	// 接收中只登记请求，接收结束后再处理
	if a.state == StateScan {
		a.enter(StateDownlinkPending, now)
	}
	return nil
}

// BeginTransmit moves DOWNLINK_PENDING to TRANSMIT. When the window has
// passed the transmission is returned together with ErrWindowMissed and
// the radio goes back to SCAN.
func (a *Arbiter) BeginTransmit(now time.Time) (*Transmission, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateDownlinkPending || a.pending == nil {
		return nil, fault.Violationf("begin transmit in state %s", a.state)
	}

	tx := a.pending
	if tx.Late(now) {
		a.pending = nil
		a.missed++
		a.enter(StateScan, now)
		return tx, ErrWindowMissed
	}

	a.enter(StateTransmit, now)
	return tx, nil
}

// EndTransmit releases the radio after a transmission
func (a *Arbiter) EndTransmit() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateTransmit {
		return fault.Violationf("end transmit in state %s", a.state)
	}
	a.pending = nil
	a.enter(StateScan, a.clock())
	return nil
}

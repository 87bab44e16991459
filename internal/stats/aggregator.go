package stats

import (
	"sync"
	"time"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Granularity levels
const (
	GranularityCounters   = 0 // aggregate counters only
	GranularityHistory    = 1 // + recent uplink history
	GranularityPerSF      = 2 // + per spreading factor histogram
	GranularityPerChannel = 3 // + per channel per spreading factor
)

// Options 统计选项
type Options struct {
	Granularity  int
	HistorySize  int
	Channels     []uint32
	CountUnknown bool
}

type counters struct {
	received    uint32
	valid       uint32
	forwarded   uint32
	acked       uint32
	downlinks   uint32
	transmitted uint32
	unknown     uint32
	missed      uint32
}

// histograms per spreading factor and per channel per spreading factor
type histograms struct {
	perSF   []uint32
	perChan [][]uint32
}

func newHistograms(granularity, channels int) histograms {
	var h histograms
	if granularity >= GranularityPerSF {
		h.perSF = make([]uint32, lorawan.NumSpreadingFactors)
	}
	if granularity >= GranularityPerChannel {
		h.perChan = make([][]uint32, channels)
		for i := range h.perChan {
			h.perChan[i] = make([]uint32, lorawan.NumSpreadingFactors)
		}
	}
	return h
}

func (h *histograms) add(o histograms) {
	for i := range h.perSF {
		if i < len(o.perSF) {
			h.perSF[i] += o.perSF[i]
		}
	}
	for ch := range h.perChan {
		if ch >= len(o.perChan) {
			break
		}
		for i := range h.perChan[ch] {
			h.perChan[ch][i] += o.perChan[ch][i]
		}
	}
}

// Aggregator accumulates gateway statistics. Interval counters and
// histograms are rolled into totals on every Snapshot.
type Aggregator struct {
	mu           sync.Mutex
	opts         Options
	interval     counters
	total        counters
	intervalHist histograms
	totalHist    histograms
	history      *History
}

// NewAggregator creates an aggregator
func NewAggregator(opts Options) *Aggregator {
	a := &Aggregator{}
	a.configure(opts)
	return a
}

func (a *Aggregator) configure(opts Options) {
	if opts.Granularity == GranularityPerChannel && len(opts.Channels) < 2 {
		opts.Granularity = GranularityPerSF
	}
	a.opts = opts

	size := 0
	if opts.Granularity >= GranularityHistory {
		size = opts.HistorySize
	}
	old := a.history
	a.history = NewHistory(size)
	if old != nil {
		// 保留最新的记录
		entries := old.Entries()
		for i := len(entries) - 1; i >= 0; i-- {
			a.history.Push(entries[i])
		}
	}

	a.intervalHist = newHistograms(opts.Granularity, len(opts.Channels))
	a.totalHist = newHistograms(opts.Granularity, len(opts.Channels))
}

// Reconfigure changes granularity or history size. Histograms restart.
func (a *Aggregator) Reconfigure(opts Options) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.configure(opts)
}

// Granularity returns the effective granularity
func (a *Aggregator) Granularity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts.Granularity
}

// channel returns the index of freq in the channel plan, or -1
func (a *Aggregator) channel(freq uint32) int {
	for i, f := range a.opts.Channels {
		if f == freq {
			return i
		}
	}
	return -1
}

func (a *Aggregator) countSF(rec *models.UplinkRecord) int {
	if !rec.SpreadingFactor.Valid() {
		return -1
	}
	idx := rec.SpreadingFactor.Index()
	h := &a.intervalHist
	if h.perSF != nil {
		h.perSF[idx]++
	}
	ch := a.channel(rec.Frequency)
	if h.perChan != nil && ch >= 0 {
		h.perChan[ch][idx]++
	}
	return ch
}

// RecordReceived counts a packet taken off the air, valid or not
func (a *Aggregator) RecordReceived() {
	a.mu.Lock()
	a.interval.received++
	a.mu.Unlock()
}

// RecordUplink counts a valid admitted uplink and appends it to the history
func (a *Aggregator) RecordUplink(rec *models.UplinkRecord, name string, decoded []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.interval.valid++
	ch := a.countSF(rec)

	a.history.Push(models.HistoryEntry{
		ID:              rec.ID.String(),
		Time:            rec.Timestamp,
		DeviceAddress:   rec.DeviceAddress,
		Name:            name,
		FrameCounter:    rec.FrameCounter,
		SpreadingFactor: rec.SpreadingFactor,
		Frequency:       rec.Frequency,
		Channel:         ch,
		RSSI:            rec.RSSI,
		SNR:             rec.SNR,
		Size:            len(rec.RawPayload),
		Decoded:         decoded,
	})
}

// RecordUnknown counts an uplink dropped as unknown. With CountUnknown it
// also enters the aggregate counters and histograms, never the history.
func (a *Aggregator) RecordUnknown(rec *models.UplinkRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.interval.unknown++
	if a.opts.CountUnknown {
		a.interval.valid++
		a.countSF(rec)
	}
}

// RecordForwarded counts an uplink sent upstream
func (a *Aggregator) RecordForwarded() {
	a.mu.Lock()
	a.interval.forwarded++
	a.mu.Unlock()
}

// RecordAck counts a PUSH_ACK
func (a *Aggregator) RecordAck() {
	a.mu.Lock()
	a.interval.acked++
	a.mu.Unlock()
}

// RecordDownlink counts a PULL_RESP
func (a *Aggregator) RecordDownlink() {
	a.mu.Lock()
	a.interval.downlinks++
	a.mu.Unlock()
}

// RecordTransmitted counts a completed transmission
func (a *Aggregator) RecordTransmitted() {
	a.mu.Lock()
	a.interval.transmitted++
	a.mu.Unlock()
}

// RecordMissed counts a downlink dropped because its window passed
func (a *Aggregator) RecordMissed() {
	a.mu.Lock()
	a.interval.missed++
	a.mu.Unlock()
}

func (a *Aggregator) build(now time.Time, c counters, h histograms) models.StatSnapshot {
	s := models.StatSnapshot{
		Time:           now,
		UplinkCount:    c.received,
		UplinkValid:    c.valid,
		UplinkForward:  c.forwarded,
		DownlinkCount:  c.downlinks,
		TransmitCount:  c.transmitted,
		UnknownCount:   c.unknown,
		MissedDownlink: c.missed,
	}
	if c.forwarded > 0 {
		// 上一周期发出的包可能在本周期才被确认
		s.AckRatio = min(100, 100*float64(c.acked)/float64(c.forwarded))
	}
	if h.perSF != nil {
		s.PerSF = append([]uint32(nil), h.perSF...)
	}
	if h.perChan != nil {
		s.PerChannelPerSF = make([][]uint32, len(h.perChan))
		for i, row := range h.perChan {
			s.PerChannelPerSF[i] = append([]uint32(nil), row...)
		}
	}
	return s
}

// Snapshot returns the counters and histograms of the elapsed interval
// and starts a new one
func (a *Aggregator) Snapshot(now time.Time) models.StatSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.build(now, a.interval, a.intervalHist)
	a.total.add(a.interval)
	a.totalHist.add(a.intervalHist)
	a.interval = counters{}
	a.intervalHist = newHistograms(a.opts.Granularity, len(a.opts.Channels))
	return s
}

// Totals returns the counters since start, including the current interval
func (a *Aggregator) Totals(now time.Time) models.StatSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := a.total
	t.add(a.interval)
	h := newHistograms(a.opts.Granularity, len(a.opts.Channels))
	h.add(a.totalHist)
	h.add(a.intervalHist)
	return a.build(now, t, h)
}

// History returns recent uplinks, newest first
func (a *Aggregator) History() []models.HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history.Entries()
}

func (c *counters) add(o counters) {
	c.received += o.received
	c.valid += o.valid
	c.forwarded += o.forwarded
	c.acked += o.acked
	c.downlinks += o.downlinks
	c.transmitted += o.transmitted
	c.unknown += o.unknown
	c.missed += o.missed
}

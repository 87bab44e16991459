package gateway

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/forwarder"
	"github.com/lorawan-server/sc-gateway/internal/metrics"
	"github.com/lorawan-server/sc-gateway/internal/models"
)

// Status 网关运行状态
type Status struct {
	EUI             string              `json:"eui"`
	RadioState      string              `json:"radioState"`
	StateSince      time.Time           `json:"stateSince"`
	Uptime          string              `json:"uptime"`
	Mode            string              `json:"mode"`
	Granularity     int                 `json:"granularity"`
	NodeCount       int                 `json:"nodeCount"`
	NodeCapacity    int                 `json:"nodeCapacity"`
	MissedDownlinks uint64              `json:"missedDownlinks"`
	UnknownNodes    uint64              `json:"unknownNodes"`
	CodecFailures   uint64              `json:"codecFailures"`
	MirrorDropped   uint64              `json:"mirrorDropped"`
	Totals          models.StatSnapshot `json:"totals"`
	Servers         []forwarder.Status  `json:"servers"`
}

// Status returns a snapshot of the running gateway
func (g *Gateway) Status() Status {
	now := time.Now()
	s := Status{
		EUI:             g.rt.Current().Gateway.EUI.String(),
		RadioState:      g.arbiter.State().String(),
		StateSince:      g.arbiter.Since(),
		Uptime:          now.Sub(g.started).Round(time.Second).String(),
		Mode:            g.filter.Mode().String(),
		Granularity:     g.stats.Granularity(),
		NodeCount:       len(g.filter.Entries()),
		NodeCapacity:    g.filter.Capacity(),
		MissedDownlinks: g.arbiter.Missed(),
		UnknownNodes:    g.filter.Unknown(),
		CodecFailures:   g.codec.Failures(),
		MirrorDropped:   g.mirror.Dropped(),
		Totals:          g.stats.Totals(now),
	}
	for _, c := range g.clients {
		s.Servers = append(s.Servers, c.Status())
	}
	return s
}

// History returns recent admitted uplinks, newest first
func (g *Gateway) History() []models.HistoryEntry {
	return g.stats.History()
}

// Nodes returns the trusted-node table
func (g *Gateway) Nodes() []models.TrustedNodeEntry {
	return g.filter.Entries()
}

// AddNode adds a trusted node to the running table. The table is not
// grown: a new node is rejected with nodes.ErrTableFull when it is full.
func (g *Gateway) AddNode(e models.TrustedNodeEntry) (models.TrustedNodeEntry, error) {
	if err := g.filter.Add(e); err != nil {
		return models.TrustedNodeEntry{}, err
	}
	metrics.TrustedNodes.Set(float64(len(g.filter.Entries())))
	log.Info().
		Str("devAddr", e.DeviceAddress.String()).
		Str("name", e.FriendlyName).
		Msg("已添加可信节点")

	added, _ := g.filter.Lookup(e.DeviceAddress)
	return added, nil
}

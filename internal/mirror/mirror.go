// Package mirror republishes gateway events to NATS and MQTT so other
// services can observe uplinks, statistics and transmissions.
package mirror

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/models"
)

// Sink 事件输出端
type Sink interface {
	Name() string
	Publish(gatewayID string, t models.EventType, data []byte) error
	Close()
}

// Mirror 异步发布事件，从不阻塞射频流程
type Mirror struct {
	gatewayID string
	sinks     []Sink
	events    chan models.Event
	dropped   atomic.Uint64
}

// New creates a mirror publishing to sinks
func New(gatewayID string, buffer int, sinks ...Sink) *Mirror {
	if buffer <= 0 {
		buffer = 64
	}
	return &Mirror{
		gatewayID: gatewayID,
		sinks:     sinks,
		events:    make(chan models.Event, buffer),
	}
}

// Enabled reports whether any sink is configured
func (m *Mirror) Enabled() bool {
	return m != nil && len(m.sinks) > 0
}

// Emit 投递事件，队列满时丢弃
func (m *Mirror) Emit(t models.EventType, data interface{}) {
	if !m.Enabled() {
		return
	}
	ev := models.Event{Type: t, GatewayID: m.gatewayID, Timestamp: time.Now(), Data: data}
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
		log.Debug().Str("type", string(t)).Msg("镜像队列已满，丢弃事件")
	}
}

// Dropped returns the number of events lost to a full queue
func (m *Mirror) Dropped() uint64 {
	if m == nil {
		return 0
	}
	return m.dropped.Load()
}

// Run 发布事件直到 ctx 结束，然后关闭所有输出端
func (m *Mirror) Run(ctx context.Context) error {
	defer func() {
		for _, s := range m.sinks {
			s.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.publish(ev)
		}
	}
}

func (m *Mirror) publish(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("序列化事件失败")
		return
	}
	for _, s := range m.sinks {
		if err := s.Publish(ev.GatewayID, ev.Type, data); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Str("type", string(ev.Type)).Msg("发布事件失败")
		}
	}
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/codec"
	"github.com/lorawan-server/sc-gateway/internal/forwarder"
	"github.com/lorawan-server/sc-gateway/internal/metrics"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/nodes"
	"github.com/lorawan-server/sc-gateway/internal/radio"
)

// UplinkEvent 镜像的上行事件
type UplinkEvent struct {
	DevAddr string         `json:"devAddr,omitempty"`
	FCnt    uint32         `json:"fCnt"`
	Name    string         `json:"name,omitempty"`
	RXPK    forwarder.RXPK `json:"rxpk"`
}

// receive 占用射频接收一帧，然后回到 SCAN 或处理等待中的下行
func (g *Gateway) receive(ctx context.Context, det radio.Detection) error {
	if err := g.arbiter.BeginReceive(); err != nil {
		if errors.Is(err, radio.ErrWindowHeld) {
			log.Debug().Str("sf", det.SpreadingFactor.String()).Msg("下行窗口优先，放弃接收")
			return nil
		}
		return err
	}
	g.markActivity(det.At)
	metrics.RadioState.Set(float64(radio.StateReceive))

	frame, rxErr := g.driver.Receive(ctx, g.cfg.Radio.ReceiveTimeout)
	switch {
	case rxErr == nil:
		g.handleFrame(frame)
	case errors.Is(rxErr, radio.ErrCRC):
		g.stats.RecordReceived()
		metrics.UplinksReceived.Inc()
		metrics.UplinksDropped.WithLabelValues("crc").Inc()
		log.Debug().Str("sf", det.SpreadingFactor.String()).Msg("CRC 错误")
	case errors.Is(rxErr, radio.ErrTimeout), ctx.Err() != nil:
		log.Debug().Str("sf", det.SpreadingFactor.String()).Msg("接收超时")
	default:
		log.Error().Err(rxErr).Msg("接收失败")
		g.requestReinit()
	}

	out, err := g.arbiter.EndReceive(time.Now())
	if err != nil {
		return err
	}
	if out.Dropped != nil {
		g.windowMissed(out.Dropped)
	}
	metrics.RadioState.Set(float64(out.Next))
	return nil
}

// handleFrame 解码、过滤、统计并转发一帧
func (g *Gateway) handleFrame(frame radio.Frame) {
	g.stats.RecordReceived()
	metrics.UplinksReceived.Inc()

	meta := codec.RxMeta{
		SpreadingFactor: frame.SpreadingFactor,
		Bandwidth:       frame.Bandwidth,
		CodingRate:      codingRate(frame.CodingRate),
		Frequency:       frame.Frequency,
		RSSI:            frame.RSSI,
		SNR:             frame.SNR,
		Timestamp:       frame.ReceivedAt,
		Tmst:            g.counter.Tmst(frame.ReceivedAt),
	}

	rec, err := g.codec.Decode(frame.Payload, meta)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, codec.ErrMICMismatch) {
			reason = "mic"
		}
		metrics.UplinksDropped.WithLabelValues(reason).Inc()
		log.Debug().Err(err).Int("size", len(frame.Payload)).Msg("丢弃无效帧")
		return
	}

	verdict := g.filter.Admit(rec)
	if !verdict.Admitted {
		g.stats.RecordUnknown(rec)
		metrics.UplinksDropped.WithLabelValues("unknown").Inc()
		log.Debug().
			Err(nodes.ErrUnknownNode).
			Str("devAddr", rec.DeviceAddress.String()).
			Uint32("fCnt", rec.FrameCounter).
			Msg("严格模式丢弃上行")
		return
	}

	decoded := g.decodePayload(rec, verdict)
	g.stats.RecordUplink(rec, verdict.Name, decoded)

	log.Info().
		Str("devAddr", rec.DeviceAddress.String()).
		Uint32("fCnt", rec.FrameCounter).
		Str("sf", rec.SpreadingFactor.String()).
		Int("rssi", rec.RSSI).
		Float64("snr", rec.SNR).
		Int("size", len(rec.RawPayload)).
		Msg("收到上行数据")

	if g.forwardUplink(rec, verdict.Name) {
		g.stats.RecordForwarded()
		metrics.UplinksForwarded.Inc()
	}
}

// decodePayload 解密可信节点的应用负载，仅用于历史记录
func (g *Gateway) decodePayload(rec *models.UplinkRecord, verdict nodes.Verdict) []byte {
	if !g.cfg.Nodes.Decode || !verdict.Known || !rec.HasDeviceAddress() {
		return nil
	}
	e, ok := g.filter.Lookup(rec.DeviceAddress)
	if !ok || e.AppSKey.IsZero() {
		return nil
	}
	plain, err := codec.DecryptPayload(rec, e.AppSKey)
	if err != nil {
		log.Debug().Err(err).Str("devAddr", rec.DeviceAddress.String()).Msg("解密负载失败")
		return nil
	}
	return plain
}

// forwardUplink 发送给所有后端，至少一个接受即视为已转发
func (g *Gateway) forwardUplink(rec *models.UplinkRecord, name string) bool {
	rxpk := forwarder.NewRXPK(rec, g.channelIndex(rec.Frequency))

	sent := false
	for _, c := range g.clients {
		if err := c.PushUplinks(rxpk); err != nil {
			log.Warn().Err(err).Str("server", c.Server()).Msg("上行未能入队")
			continue
		}
		sent = true
	}

	ev := UplinkEvent{FCnt: rec.FrameCounter, Name: name, RXPK: rxpk}
	if rec.HasDeviceAddress() {
		ev.DevAddr = rec.DeviceAddress.String()
	}
	g.mirror.Emit(models.EventTypeUplink, ev)
	return sent
}

func (g *Gateway) channelIndex(freq uint32) int {
	for i, f := range g.cfg.Radio.Channels {
		if f == freq {
			return i
		}
	}
	return -1
}

func codingRate(cr int) string {
	if cr < 1 || cr > 4 {
		return "4/5"
	}
	return fmt.Sprintf("4/%d", cr+4)
}

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/downlink"
	"github.com/lorawan-server/sc-gateway/internal/fault"
	"github.com/lorawan-server/sc-gateway/internal/forwarder"
	"github.com/lorawan-server/sc-gateway/internal/metrics"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// TxEvent 镜像的下行事件
type TxEvent struct {
	Token  uint16  `json:"token"`
	Server string  `json:"server"`
	Freq   float64 `json:"freq"`
	Datr   string  `json:"datr"`
	Size   int     `json:"size"`
	Result string  `json:"result"`
}

// downlinkLoop 接收 PULL_RESP 并申请发送窗口；接收中的请求由仲裁器挂起
func (g *Gateway) downlinkLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case instr := <-g.downlinks:
			g.stats.RecordDownlink()
			if _, err := g.sched.Schedule(instr, time.Now()); err != nil {
				g.rejectDownlink(instr, err)
			}
		}
	}
}

func (g *Gateway) rejectDownlink(instr models.DownlinkInstruction, err error) {
	code := downlink.AckCode(err)
	if errors.Is(err, radio.ErrWindowMissed) {
		g.stats.RecordMissed()
		metrics.Downlinks.WithLabelValues("missed").Inc()
	} else {
		metrics.Downlinks.WithLabelValues("rejected").Inc()
	}

	log.Warn().
		Err(err).
		Uint16("token", instr.Token).
		Str("server", instr.Server).
		Str("ack", string(code)).
		Msg("下行被拒绝")

	if c := g.clientFor(instr.Server); c != nil {
		if err := c.SendTxAck(instr.Token, code); err != nil {
			log.Warn().Err(err).Msg("发送 TX_ACK 失败")
		}
	}
}

// transmit 等到发送时刻后占用射频发送
func (g *Gateway) transmit(ctx context.Context) error {
	tx, ok := g.arbiter.Pending()
	if !ok {
		return fault.Violationf("downlink pending without a window")
	}

	start := time.Now()
	if !tx.Due.IsZero() && start.Before(tx.Due) {
		timer := time.NewTimer(tx.Due.Sub(start))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		// 射频在发送时刻之前已空闲
		start = tx.Due
	}

	tx, err := g.arbiter.BeginTransmit(start)
	if errors.Is(err, radio.ErrWindowMissed) {
		g.windowMissed(tx)
		return nil
	}
	if err != nil {
		return err
	}
	metrics.RadioState.Set(float64(radio.StateTransmit))

	txErr := g.driver.Transmit(ctx, tx.Request)
	g.scanner.Invalidate()
	if err := g.arbiter.EndTransmit(); err != nil {
		return err
	}
	g.markActivity(time.Now())
	metrics.RadioState.Set(float64(radio.StateScan))

	ev := TxEvent{
		Token:  tx.Token,
		Server: tx.Server,
		Freq:   forwarder.MHz(tx.Request.Frequency),
		Datr:   lorawan.DataRate{SpreadFactor: tx.Request.SpreadingFactor, Bandwidth: tx.Request.Bandwidth}.String(),
		Size:   len(tx.Request.Payload),
	}

	if txErr != nil {
		log.Error().Err(txErr).Uint16("token", tx.Token).Msg("发送失败")
		metrics.Downlinks.WithLabelValues("failed").Inc()
		g.requestReinit()
		g.txAck(tx, downlink.AckCode(txErr))
		ev.Result = "failed"
		g.mirror.Emit(models.EventTypeDownlink, ev)
		return nil
	}

	g.stats.RecordTransmitted()
	metrics.Downlinks.WithLabelValues("transmitted").Inc()
	log.Info().
		Uint16("token", tx.Token).
		Uint32("freq", tx.Request.Frequency).
		Str("sf", tx.Request.SpreadingFactor.String()).
		Int("size", len(tx.Request.Payload)).
		Dur("airtime", tx.Request.Airtime).
		Msg("下行已发送")
	g.txAck(tx, models.TxAckNone)
	ev.Result = string(models.TxAckNone)
	g.mirror.Emit(models.EventTypeDownlink, ev)
	return nil
}

// windowMissed 发送时刻已过，丢弃且不重试
func (g *Gateway) windowMissed(tx *radio.Transmission) {
	g.stats.RecordMissed()
	metrics.Downlinks.WithLabelValues("missed").Inc()
	log.Info().Uint16("token", tx.Token).Time("due", tx.Due).Msg("下行窗口已过，丢弃")
	g.txAck(tx, models.TxAckTooLate)
}

func (g *Gateway) txAck(tx *radio.Transmission, code models.TxAckError) {
	c := g.clientFor(tx.Server)
	if c == nil {
		return
	}
	if err := c.SendTxAck(tx.Token, code); err != nil {
		log.Warn().Err(err).Str("server", tx.Server).Msg("发送 TX_ACK 失败")
	}
}

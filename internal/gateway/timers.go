package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/codec"
	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/fault"
	"github.com/lorawan-server/sc-gateway/internal/forwarder"
	"github.com/lorawan-server/sc-gateway/internal/metrics"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/internal/stats"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// 延迟到 SCAN 执行的定时任务
const (
	taskStat uint32 = 1 << iota
	taskKeepalive
	taskWatchdog
	taskGatewayNode
)

// KeyGatewayNodeFCnt 网关节点帧计数器在存储中的键
const KeyGatewayNodeFCnt = "gateway_node.fcnt"

// post 登记任务，同类任务合并
func (g *Gateway) post(task uint32) {
	for {
		old := g.tasks.Load()
		if g.tasks.CompareAndSwap(old, old|task) {
			return
		}
	}
}

// runTimers 只登记任务，从不直接操作射频
func (g *Gateway) runTimers(ctx context.Context) {
	cfg := g.rt.Current()

	stat := time.NewTicker(cfg.Statistics.Interval)
	defer stat.Stop()
	keep := time.NewTicker(cfg.Backend.KeepaliveInterval)
	defer keep.Stop()
	dog := time.NewTicker(cfg.Timers.WatchdogInterval)
	defer dog.Stop()
	node := time.NewTicker(nodeInterval(cfg))
	defer node.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case next := <-g.timerCfgs:
			if next.Statistics.Interval != cfg.Statistics.Interval {
				stat.Reset(next.Statistics.Interval)
			}
			if next.Backend.KeepaliveInterval != cfg.Backend.KeepaliveInterval {
				keep.Reset(next.Backend.KeepaliveInterval)
			}
			if next.Timers.WatchdogInterval != cfg.Timers.WatchdogInterval {
				dog.Reset(next.Timers.WatchdogInterval)
			}
			cfg = next
		case <-stat.C:
			g.post(taskStat)
		case <-keep.C:
			g.post(taskKeepalive)
		case <-dog.C:
			g.post(taskWatchdog)
			g.checkStuck(cfg.Timers.StuckLimit)
		case <-node.C:
			if cfg.GatewayNode.Enabled {
				g.post(taskGatewayNode)
			}
		}
	}
}

func nodeInterval(cfg *config.Config) time.Duration {
	if cfg.GatewayNode.Interval > 0 {
		return cfg.GatewayNode.Interval
	}
	return time.Hour
}

// checkStuck 射频长时间离开 SCAN 视为致命错误
func (g *Gateway) checkStuck(limit time.Duration) {
	state := g.arbiter.State()
	if state == radio.StateScan {
		return
	}
	if since := time.Since(g.arbiter.Since()); since > limit {
		g.fail(fault.Violationf("radio stuck in %s for %s", state, since.Round(time.Millisecond)))
	}
}

// runDeferred 在 SCAN 状态下执行积压的配置变更和定时任务
func (g *Gateway) runDeferred(ctx context.Context) {
	select {
	case next := <-g.configs:
		g.applyConfig(next)
	default:
	}

	tasks := g.tasks.Swap(0)
	now := time.Now()

	if tasks&taskWatchdog != 0 && now.Sub(g.lastActivity()) >= g.cfg.Timers.WatchdogInterval {
		log.Info().Time("lastActivity", g.lastActivity()).Msg("看门狗: 无射频活动")
		g.requestReinit()
	}
	if g.reinit.Swap(false) {
		g.reinitRadio(now)
	}
	if tasks&taskKeepalive != 0 {
		g.keepalive()
	}
	if tasks&taskStat != 0 {
		g.reportStats(ctx, now)
	}
	if tasks&taskGatewayNode != 0 {
		g.sendGatewayNode(ctx, now)
	}
}

// reinitRadio 重新初始化射频，恢复丢失的中断
func (g *Gateway) reinitRadio(now time.Time) {
	if err := g.driver.Reset(); err != nil {
		log.Error().Err(err).Msg("射频复位失败")
	}
	if err := g.driver.Init(); err != nil {
		log.Error().Err(err).Msg("射频初始化失败")
	}
	g.scanner.Invalidate()
	g.markActivity(now)
	metrics.RadioResets.Inc()
	log.Info().Msg("射频已重新初始化")
}

func (g *Gateway) keepalive() {
	for _, c := range g.clients {
		if err := c.Pull(); err != nil {
			log.Warn().Err(err).Str("server", c.Server()).Msg("PULL_DATA 未能入队")
		}
	}
}

// reportStats 生成统计快照并上报
func (g *Gateway) reportStats(ctx context.Context, now time.Time) {
	snap := g.stats.Snapshot(now)
	stat := forwarder.NewStat(snap, g.identity())
	for _, c := range g.clients {
		if err := c.PushStat(stat); err != nil {
			log.Warn().Err(err).Str("server", c.Server()).Msg("统计未能入队")
		}
	}
	g.mirror.Emit(models.EventTypeStats, snap)
	metrics.TrustedNodes.Set(float64(len(g.filter.Entries())))

	log.Info().
		Uint32("rxnb", snap.UplinkCount).
		Uint32("rxok", snap.UplinkValid).
		Uint32("rxfw", snap.UplinkForward).
		Float64("ackr", snap.AckRatio).
		Uint32("dwnb", snap.DownlinkCount).
		Uint32("txnb", snap.TransmitCount).
		Msg("统计上报")

	if g.store == nil || !g.persisting.CompareAndSwap(false, true) {
		return
	}
	line := stats.FormatSnapshot(snap)
	g.persists.Add(1)
	go func() {
		defer g.persists.Done()
		defer g.persisting.Store(false)
		g.persist(ctx, line)
	}()
}

// persist 写统计日志和节点表，不在控制流中执行
func (g *Gateway) persist(ctx context.Context, line string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if g.logger != nil {
		if err := g.logger.Write(ctx, line); err != nil {
			log.Error().Err(err).Msg("写统计日志失败")
		}
	}
	if err := g.filter.Save(ctx, g.store); err != nil {
		log.Error().Err(err).Msg("保存节点表失败")
	}
}

// loadState 读取持久化的节点表和网关节点帧计数器
func (g *Gateway) loadState(ctx context.Context) {
	if g.store == nil {
		return
	}
	if err := g.filter.Load(ctx, g.store); err != nil {
		log.Warn().Err(err).Msg("读取节点表失败")
	}
	v, err := g.store.ReadConfig(ctx, KeyGatewayNodeFCnt)
	if err != nil {
		if !errors.Is(err, config.ErrNotFound) {
			log.Warn().Err(err).Msg("读取网关节点帧计数器失败")
		}
		return
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		log.Warn().Str("value", v).Msg("网关节点帧计数器无效")
		return
	}
	g.nodeFCnt = uint32(n)
}

// GatewayNodePayload 网关节点的状态负载: uptime(s) u32, rxnb u16, rxfw u16
func GatewayNodePayload(uptime time.Duration, totals models.StatSnapshot) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], uint32(uptime/time.Second))
	binary.BigEndian.PutUint16(b[4:6], uint16(totals.UplinkCount))
	binary.BigEndian.PutUint16(b[6:8], uint16(totals.UplinkForward))
	return b
}

// sendGatewayNode 网关以自身节点身份上报状态，不经过射频
func (g *Gateway) sendGatewayNode(ctx context.Context, now time.Time) {
	nc := g.cfg.GatewayNode
	if !nc.Enabled {
		return
	}

	g.nodeFCnt++
	payload := GatewayNodePayload(now.Sub(g.started), g.stats.Totals(now))
	raw, err := codec.EncodeUplink(codec.UplinkFrame{
		DevAddr: nc.Address,
		FCnt:    g.nodeFCnt,
		FPort:   nc.FPort,
		Payload: payload,
	}, codec.SessionKeys{NwkSKey: nc.NwkSKey, AppSKey: nc.AppSKey})
	if err != nil {
		log.Error().Err(err).Msg("构建网关节点帧失败")
		return
	}

	fport := nc.FPort
	rec := &models.UplinkRecord{
		ID:              uuid.New(),
		MType:           lorawan.UnconfirmedDataUp,
		DeviceAddress:   nc.Address,
		FrameCounter:    g.nodeFCnt,
		FPort:           &fport,
		SpreadingFactor: g.cfg.Radio.SpreadingFactor,
		Bandwidth:       g.cfg.Radio.Bandwidth,
		CodingRate:      g.cfg.Radio.CodingRate,
		Frequency:       g.cfg.Radio.Frequency,
		Timestamp:       now,
		Tmst:            g.counter.Tmst(now),
		RawPayload:      raw,
	}
	// 网关节点的 PUSH_ACK 同样计入 ackr，因此也计入 rxfw
	if g.forwardUplink(rec, "gateway") {
		g.stats.RecordForwarded()
		metrics.UplinksForwarded.Inc()
	}

	log.Debug().Str("devAddr", nc.Address.String()).Uint32("fCnt", g.nodeFCnt).Msg("网关节点上报")

	if g.store != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := g.store.WriteConfig(ctx, KeyGatewayNodeFCnt, strconv.FormatUint(uint64(g.nodeFCnt), 10)); err != nil {
			log.Warn().Err(err).Msg("保存网关节点帧计数器失败")
		}
	}
}

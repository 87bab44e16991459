// Package gateway runs the single radio flow of control: scanning,
// reception, forwarding and transmission, plus the timers that feed it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/codec"
	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/downlink"
	"github.com/lorawan-server/sc-gateway/internal/forwarder"
	"github.com/lorawan-server/sc-gateway/internal/metrics"
	"github.com/lorawan-server/sc-gateway/internal/mirror"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/nodes"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/internal/stats"
	"github.com/lorawan-server/sc-gateway/internal/storage"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Deps are the collaborators of a gateway
type Deps struct {
	Driver radio.Driver
	Store  storage.Store  // optional
	Mirror *mirror.Mirror // optional
}

// Gateway 单信道网关
type Gateway struct {
	rt     *config.Runtime
	cfg    *config.Config // 只在控制流中读写
	driver radio.Driver
	store  storage.Store
	mirror *mirror.Mirror

	arbiter *radio.Arbiter
	counter *radio.Counter
	scanner *radio.Scanner
	codec   *codec.Codec
	filter  *nodes.Filter
	stats   *stats.Aggregator
	logger  *stats.Logger
	sched   *downlink.Scheduler

	clients   []*forwarder.Client
	downlinks chan models.DownlinkInstruction
	configs   <-chan *config.Config
	timerCfgs <-chan *config.Config

	tasks      atomic.Uint32
	reinit     atomic.Bool
	activity   atomic.Int64
	persisting atomic.Bool
	persists   sync.WaitGroup
	fatal      chan error

	started  time.Time
	nodeFCnt uint32
}

// New wires a gateway from the current runtime configuration
func New(rt *config.Runtime, deps Deps) (*Gateway, error) {
	if deps.Driver == nil {
		return nil, errors.New("gateway: radio driver is required")
	}
	cfg := rt.Current()

	mode, err := nodes.ParseMode(cfg.Forwarding.Mode)
	if err != nil {
		return nil, err
	}
	filter := nodes.NewFilter(mode, cfg.Nodes.Max)
	if err := filter.Replace(trustedEntries(cfg), cfg.Nodes.Max); err != nil {
		return nil, fmt.Errorf("trusted nodes: %w", err)
	}

	scanner, err := radio.NewScanner(deps.Driver, scanConfig(cfg))
	if err != nil {
		return nil, err
	}
	logScanner(scanner)

	now := time.Now()
	g := &Gateway{
		rt:        rt,
		cfg:       cfg,
		driver:    deps.Driver,
		store:     deps.Store,
		mirror:    deps.Mirror,
		arbiter:   radio.NewArbiter(),
		counter:   radio.NewCounter(now),
		scanner:   scanner,
		filter:    filter,
		stats:     stats.NewAggregator(statsOptions(cfg)),
		downlinks: make(chan models.DownlinkInstruction, 8),
		fatal:     make(chan error, 1),
		started:   now,
	}
	g.codec = codec.New(codecOptions(cfg, filter))
	g.sched = downlink.NewScheduler(schedOptions(cfg), g.codec, g.arbiter, g.counter)
	if cfg.Statistics.Log && deps.Store != nil {
		g.logger = stats.NewLogger(deps.Store, cfg.Statistics.HighWaterMark)
	}

	for i, server := range cfg.Backend.Servers {
		opts := forwarder.Options{
			Server:     server,
			EUI:        cfg.Gateway.EUI,
			AckTimeout: cfg.Backend.AckTimeout,
			MaxPending: cfg.Backend.MaxPending,
			QueueSize:  cfg.Backend.SendQueue,
			Downlinks:  g.downlinks,
		}
		// ackr 以主服务器为准
		if i == 0 {
			opts.OnAck = g.onAck
		}
		c, err := forwarder.NewClient(opts)
		if err != nil {
			return nil, err
		}
		g.clients = append(g.clients, c)
	}

	g.configs = rt.Subscribe()
	g.timerCfgs = rt.Subscribe()
	g.markActivity(now)

	return g, nil
}

func trustedEntries(cfg *config.Config) []models.TrustedNodeEntry {
	entries := make([]models.TrustedNodeEntry, 0, len(cfg.Nodes.Trusted))
	for _, n := range cfg.Nodes.Trusted {
		entries = append(entries, models.TrustedNodeEntry{
			DeviceAddress: n.Address,
			FriendlyName:  n.Name,
			NwkSKey:       n.NwkSKey,
			AppSKey:       n.AppSKey,
		})
	}
	return entries
}

func scanConfig(cfg *config.Config) radio.ScanConfig {
	cr, _ := lorawan.ParseCodingRate(cfg.Radio.CodingRate)
	return radio.ScanConfig{
		Frequency:      cfg.Radio.Frequency,
		Bandwidth:      cfg.Radio.Bandwidth,
		CodingRate:     cr,
		PreambleLength: cfg.Radio.PreambleLength,
		Dwell:          cfg.Radio.CADDwell,
		CAD:            cfg.Radio.CAD,
		Fixed:          cfg.Radio.SpreadingFactor,
	}
}

func codecOptions(cfg *config.Config, filter *nodes.Filter) codec.Options {
	return codec.Options{
		CheckMIC:   cfg.Codec.CheckMIC,
		NetworkKey: cfg.Codec.NetworkKey,
		Keys:       filter.NwkSKey,
	}
}

func statsOptions(cfg *config.Config) stats.Options {
	return stats.Options{
		Granularity:  cfg.Statistics.Granularity,
		HistorySize:  cfg.Statistics.HistorySize,
		Channels:     cfg.Radio.Channels,
		CountUnknown: cfg.Forwarding.CountUnknown,
	}
}

func schedOptions(cfg *config.Config) downlink.Options {
	return downlink.Options{
		Channel: downlink.Channel{
			Frequency:       cfg.Radio.Frequency,
			SpreadingFactor: cfg.Radio.SpreadingFactor,
			Bandwidth:       cfg.Radio.Bandwidth,
			CodingRate:      cfg.Radio.CodingRate,
			TxPower:         cfg.Radio.TxPower,
		},
		Rewrite:       cfg.Downlink.Rewrite,
		LateTolerance: cfg.Downlink.LateTolerance,
	}
}

// Run starts the gateway and blocks until ctx ends or a fatal
// violation occurs. A violation is returned to the caller.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.driver.Init(); err != nil {
		return fmt.Errorf("init radio: %w", err)
	}
	g.loadState(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range g.clients {
		wg.Add(1)
		go func(c *forwarder.Client) {
			defer wg.Done()
			c.Start(ctx)
		}(c)
	}
	if g.mirror.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.mirror.Run(ctx)
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.downlinkLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		g.runTimers(ctx)
	}()

	log.Info().
		Str("eui", g.cfg.Gateway.EUI.String()).
		Uint32("freq", g.cfg.Radio.Frequency).
		Str("sf", g.cfg.Radio.SpreadingFactor.String()).
		Bool("cad", g.cfg.Radio.CAD).
		Str("mode", g.filter.Mode().String()).
		Int("servers", len(g.clients)).
		Msg("网关启动")

	// 启动后立即发送一次保活
	g.keepalive()

	done := make(chan error, 1)
	go func() { done <- g.loop(ctx) }()

	var err error
	select {
	case err = <-done:
	case err = <-g.fatal:
		cancel()
		<-done
	}
	cancel()
	wg.Wait()
	// 等待后台持久化结束再保存节点表
	g.persists.Wait()

	if g.store != nil {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := g.filter.Save(saveCtx, g.store); serr != nil {
			log.Error().Err(serr).Msg("保存节点表失败")
		}
		saveCancel()
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop 是唯一操作射频的控制流
func (g *Gateway) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// 定时任务只在 SCAN 状态执行
		if g.arbiter.State() == radio.StateScan {
			g.runDeferred(ctx)
		}

		if g.arbiter.State() == radio.StateDownlinkPending {
			if err := g.transmit(ctx); err != nil {
				return err
			}
			continue
		}

		metrics.RadioState.Set(float64(radio.StateScan))
		det, ok, err := g.scanner.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("扫描失败")
			g.requestReinit()
			continue
		}
		if !ok {
			continue
		}

		if err := g.receive(ctx, det); err != nil {
			return err
		}
	}
}

func (g *Gateway) fail(err error) {
	select {
	case g.fatal <- err:
	default:
	}
}

func (g *Gateway) markActivity(t time.Time) {
	g.activity.Store(t.UnixNano())
}

func (g *Gateway) lastActivity() time.Time {
	return time.Unix(0, g.activity.Load())
}

func (g *Gateway) requestReinit() {
	g.reinit.Store(true)
}

func (g *Gateway) onAck(kind models.RequestKind) {
	if kind == models.RequestPush {
		g.stats.RecordAck()
	}
}

func (g *Gateway) clientFor(server string) *forwarder.Client {
	for _, c := range g.clients {
		if c.Server() == server {
			return c
		}
	}
	return nil
}

func (g *Gateway) identity() models.GatewayIdentity {
	id := g.rt.Current().Gateway
	return models.GatewayIdentity{
		EUI:         id.EUI,
		Description: id.Description,
		Email:       id.Email,
		Platform:    id.Platform,
		Latitude:    id.Latitude,
		Longitude:   id.Longitude,
		Altitude:    id.Altitude,
	}
}

// applyConfig 在控制流中应用运行时配置
func (g *Gateway) applyConfig(next *config.Config) {
	prev := g.cfg
	g.cfg = next

	if mode, err := nodes.ParseMode(next.Forwarding.Mode); err == nil {
		g.filter.SetMode(mode)
	}
	if next.Nodes.Max != prev.Nodes.Max {
		g.filter.Resize(next.Nodes.Max)
	}
	g.codec.SetOptions(codecOptions(next, g.filter))
	g.sched.SetOptions(schedOptions(next))

	if prev.Statistics.Granularity != next.Statistics.Granularity ||
		prev.Statistics.HistorySize != next.Statistics.HistorySize ||
		prev.Forwarding.CountUnknown != next.Forwarding.CountUnknown ||
		!slices.Equal(prev.Radio.Channels, next.Radio.Channels) {
		g.stats.Reconfigure(statsOptions(next))
	}

	if scanConfig(prev) != scanConfig(next) {
		s, err := radio.NewScanner(g.driver, scanConfig(next))
		if err != nil {
			log.Error().Err(err).Msg("新的扫描参数无效，保留原配置")
		} else {
			g.scanner = s
			logScanner(s)
		}
	}

	log.Info().
		Str("mode", g.filter.Mode().String()).
		Uint32("freq", next.Radio.Frequency).
		Str("sf", next.Radio.SpreadingFactor.String()).
		Bool("cad", next.Radio.CAD).
		Msg("已应用新配置")
}

func logScanner(s *radio.Scanner) {
	sfs := make([]string, 0, len(s.Hypotheses()))
	for _, sf := range s.Hypotheses() {
		sfs = append(sfs, sf.String())
	}
	log.Info().
		Strs("sf", sfs).
		Dur("cycle", s.CycleDuration()).
		Msg("扫描周期")
}

package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/downlink"
	"github.com/lorawan-server/sc-gateway/internal/metrics"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Client errors
var (
	ErrQueueFull  = errors.New("forwarder: send queue full")
	ErrAckTimeout = errors.New("forwarder: ack timeout")
)

// Options 单个后端服务器的客户端参数
type Options struct {
	Server     string
	EUI        lorawan.EUI64
	AckTimeout time.Duration
	MaxPending int
	QueueSize  int

	// Downlinks 多个客户端可共享同一个通道
	Downlinks chan models.DownlinkInstruction
	// OnAck 在 ACK 匹配到未完成请求时调用
	OnAck func(models.RequestKind)
}

// Status 客户端状态
type Status struct {
	Server      string    `json:"server"`
	Pending     int       `json:"pending"`
	LastPushAck time.Time `json:"lastPushAck,omitempty"`
	LastPullAck time.Time `json:"lastPullAck,omitempty"`
	Downlinks   uint64    `json:"downlinks"`
}

// Client 实现 Semtech UDP 协议的网关侧，每个后端服务器一个
type Client struct {
	opts    Options
	conn    *net.UDPConn
	pending *PendingTracker
	queue   chan []byte
	down    chan models.DownlinkInstruction

	mu          sync.Mutex
	lastPushAck time.Time
	lastPullAck time.Time
	downlinks   uint64
}

// NewClient 创建客户端并绑定本地 UDP 套接字
func NewClient(opts Options) (*Client, error) {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 2 * time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 16
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}

	addr, err := net.ResolveUDPAddr("udp", opts.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", opts.Server, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Server, err)
	}

	down := opts.Downlinks
	if down == nil {
		down = make(chan models.DownlinkInstruction, 4)
	}

	return &Client{
		opts:    opts,
		conn:    conn,
		pending: NewPendingTracker(opts.MaxPending, opts.AckTimeout),
		queue:   make(chan []byte, opts.QueueSize),
		down:    down,
	}, nil
}

// Server returns the backend address
func (c *Client) Server() string {
	return c.opts.Server
}

// Downlinks 返回解析后的 PULL_RESP 指令
func (c *Client) Downlinks() <-chan models.DownlinkInstruction {
	return c.down
}

// Start 启动读循环、发送循环与超时清理，阻塞直到 ctx 结束
func (c *Client) Start(ctx context.Context) error {
	log.Info().
		Str("server", c.opts.Server).
		Str("local", c.conn.LocalAddr().String()).
		Msg("后端客户端启动")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.sendLoop(ctx)
	}()

	sweep := c.opts.AckTimeout / 2
	if sweep < 50*time.Millisecond {
		sweep = 50 * time.Millisecond
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.Close()
			wg.Wait()
			return ctx.Err()
		case now := <-ticker.C:
			c.expire(now)
		}
	}
}

func (c *Client) expire(now time.Time) {
	for _, req := range c.pending.Expire(now) {
		c.unacknowledged(req, "请求未被确认")
	}
}

func (c *Client) unacknowledged(req models.PendingRequest, msg string) {
	metrics.AckTimeouts.WithLabelValues(c.opts.Server, req.Kind.String()).Inc()
	log.Warn().
		Err(ErrAckTimeout).
		Str("server", c.opts.Server).
		Uint16("token", req.Token).
		Str("kind", req.Kind.String()).
		Msg(msg)
}

func (c *Client) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.queue:
			if _, err := c.conn.Write(b); err != nil {
				log.Error().Err(err).Str("server", c.opts.Server).Msg("发送 UDP 包失败")
				continue
			}
			metrics.PacketsSent.WithLabelValues(c.opts.Server, PacketType(b[3]).String()).Inc()
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	buf := make([]byte, 65507)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// 目标端口不可达时连接型 UDP 会返回错误，继续读取
			log.Debug().Err(err).Str("server", c.opts.Server).Msg("读取 UDP 包错误")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.handlePacket(data, time.Now())
	}
}

// handlePacket 处理服务器发来的包
func (c *Client) handlePacket(data []byte, now time.Time) {
	h, err := DecodeHeader(data)
	if err != nil {
		log.Warn().Err(err).Str("server", c.opts.Server).Msg("无效的数据包")
		return
	}

	switch h.Type {
	case PushAck:
		kind := models.RequestPush
		ok := c.pending.Resolve(h.Token, kind)
		if !ok {
			kind = models.RequestStat
			ok = c.pending.Resolve(h.Token, kind)
		}
		if !ok {
			log.Debug().Uint16("token", h.Token).Str("server", c.opts.Server).Msg("忽略过期或重复的 PUSH_ACK")
			return
		}
		c.mu.Lock()
		c.lastPushAck = now
		c.mu.Unlock()
		c.acked(kind)
	case PullAck:
		if !c.pending.Resolve(h.Token, models.RequestPull) {
			log.Debug().Uint16("token", h.Token).Str("server", c.opts.Server).Msg("忽略过期或重复的 PULL_ACK")
			return
		}
		c.mu.Lock()
		c.lastPullAck = now
		c.mu.Unlock()
		c.acked(models.RequestPull)
	case PullResp:
		c.handlePullResp(h.Token, data[HeaderSize:], now)
	default:
		log.Warn().
			Str("type", h.Type.String()).
			Str("server", c.opts.Server).
			Msg("未知的包类型")
	}
}

func (c *Client) acked(kind models.RequestKind) {
	metrics.AcksReceived.WithLabelValues(c.opts.Server, kind.String()).Inc()
	if c.opts.OnAck != nil {
		c.opts.OnAck(kind)
	}
}

// handlePullResp 解析下行指令并交给调度器
func (c *Client) handlePullResp(token uint16, body []byte, now time.Time) {
	var payload PullRespPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error().Err(err).Str("server", c.opts.Server).Msg("解析 PULL_RESP JSON 失败")
		c.reject(token, fmt.Errorf("%w: %v", ErrInvalidPacket, err))
		return
	}

	instr, err := payload.TXPK.Instruction(token, c.opts.Server, now)
	if err != nil {
		log.Warn().Err(err).Uint16("token", token).Str("server", c.opts.Server).Msg("无效的下行指令")
		c.reject(token, err)
		return
	}

	c.mu.Lock()
	c.downlinks++
	c.mu.Unlock()

	select {
	case c.down <- instr:
		log.Debug().
			Uint16("token", token).
			Uint32("freq", instr.TargetFrequency).
			Str("sf", instr.TargetSpreadingFactor.String()).
			Int("size", len(instr.Payload)).
			Msg("收到下行指令")
	default:
		log.Warn().Uint16("token", token).Msg("下行通道已满，丢弃指令")
		c.reject(token, radio.ErrBusy)
	}
}

// reject 以错误码回复被放弃的 PULL_RESP
func (c *Client) reject(token uint16, err error) {
	if aerr := c.SendTxAck(token, downlink.AckCode(err)); aerr != nil {
		log.Warn().Err(aerr).Uint16("token", token).Str("server", c.opts.Server).Msg("TX_ACK 未能入队")
	}
}

// enqueue 分配 token 并放入发送队列，从不阻塞。未确认请求已满时丢弃最早的一个
func (c *Client) enqueue(kind models.RequestKind, build func(token uint16) []byte) error {
	token, evicted := c.pending.Add(kind, time.Now())
	if evicted != nil {
		c.unacknowledged(*evicted, "未确认请求过多，放弃最早的请求")
	}

	select {
	case c.queue <- build(token):
		return nil
	default:
		c.pending.Resolve(token, kind)
		metrics.QueueDrops.WithLabelValues(c.opts.Server).Inc()
		return ErrQueueFull
	}
}

// PushUplinks 发送 PUSH_DATA (rxpk)
func (c *Client) PushUplinks(rxpk ...RXPK) error {
	if len(rxpk) == 0 {
		return nil
	}
	body, err := json.Marshal(PushDataPayload{RXPK: rxpk})
	if err != nil {
		return fmt.Errorf("marshal rxpk: %w", err)
	}
	return c.enqueue(models.RequestPush, func(token uint16) []byte {
		return NewPushData(token, c.opts.EUI, body)
	})
}

// PushStat 发送 PUSH_DATA (stat)
func (c *Client) PushStat(stat Stat) error {
	body, err := json.Marshal(PushDataPayload{Stat: &stat})
	if err != nil {
		return fmt.Errorf("marshal stat: %w", err)
	}
	return c.enqueue(models.RequestStat, func(token uint16) []byte {
		return NewPushData(token, c.opts.EUI, body)
	})
}

// Pull 发送 PULL_DATA 保活
func (c *Client) Pull() error {
	return c.enqueue(models.RequestPull, func(token uint16) []byte {
		return NewPullData(token, c.opts.EUI)
	})
}

// SendTxAck 以 PULL_RESP 的 token 回复 TX_ACK，不等待确认
func (c *Client) SendTxAck(token uint16, code models.TxAckError) error {
	body, err := json.Marshal(TxAckPayload{TxpkAck: TxpkAck{Error: string(code)}})
	if err != nil {
		return err
	}
	select {
	case c.queue <- NewTxAck(token, c.opts.EUI, body):
		return nil
	default:
		metrics.QueueDrops.WithLabelValues(c.opts.Server).Inc()
		return ErrQueueFull
	}
}

// Status 返回客户端状态
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Server:      c.opts.Server,
		Pending:     c.pending.Len(),
		LastPushAck: c.lastPushAck,
		LastPullAck: c.lastPullAck,
		Downlinks:   c.downlinks,
	}
}

package mirror

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/models"
)

// NATSSink 发布到 gateway.<eui>.<type>
type NATSSink struct {
	nc *nats.Conn
}

// ConnectNATS 连接 NATS 服务器
func ConnectNATS(cfg config.NATSConfig) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("sc-gateway"),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS 连接断开")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS 重新连接")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{nc: nc}, nil
}

// NewNATSSink wraps an existing connection
func NewNATSSink(nc *nats.Conn) *NATSSink {
	return &NATSSink{nc: nc}
}

func natsSubject(gatewayID string, t models.EventType) string {
	return fmt.Sprintf("gateway.%s.%s", gatewayID, t)
}

// Name implements Sink
func (s *NATSSink) Name() string { return "nats" }

// Publish implements Sink
func (s *NATSSink) Publish(gatewayID string, t models.EventType, data []byte) error {
	return s.nc.Publish(natsSubject(gatewayID, t), data)
}

// Close implements Sink
func (s *NATSSink) Close() {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
	}
}

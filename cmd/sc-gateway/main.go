package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/api"
	"github.com/lorawan-server/sc-gateway/internal/auth"
	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/fault"
	"github.com/lorawan-server/sc-gateway/internal/gateway"
	"github.com/lorawan-server/sc-gateway/internal/mirror"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/internal/radio/stub"
	"github.com/lorawan-server/sc-gateway/internal/storage"
	"github.com/lorawan-server/sc-gateway/pkg/crypto"
)

func main() {
	// 命令行参数
	var (
		configFile   string
		hashPassword string
		issueToken   bool
	)
	flag.StringVar(&configFile, "config", "config/sc-gateway.yml", "配置文件路径")
	flag.StringVar(&hashPassword, "hash-password", "", "输出管理密码的 bcrypt 哈希后退出")
	flag.BoolVar(&issueToken, "issue-token", false, "用配置的密钥签发管理令牌后退出")
	flag.Parse()

	if hashPassword != "" {
		hash, err := crypto.HashPassword(hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// 设置日志
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// 加载配置
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	setupLogging(cfg.Log)

	if cfg.JWT.Secret == "" {
		secret, err := crypto.GenerateRandomString(32)
		if err != nil {
			log.Fatal().Err(err).Msg("生成 JWT 密钥失败")
		}
		cfg.JWT.Secret = secret
		log.Warn().Msg("未配置 JWT 密钥，使用随机密钥，重启后令牌失效")
	}

	if issueToken {
		token, _, err := auth.NewJWTManager(cfg.JWT).GenerateToken("admin")
		if err != nil {
			log.Fatal().Err(err).Msg("签发令牌失败")
		}
		fmt.Println(token)
		return
	}

	cfg.PrintConfigSummary()
	log.Info().Msg("单信道网关启动中...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 打开存储并应用持久化的配置
	store, err := storage.Open(ctx, cfg.Storage, cfg.Statistics.LogCapacity)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("打开存储失败")
	}
	defer store.Close()

	if err := config.ApplyStored(ctx, store, cfg); err != nil {
		log.Error().Err(err).Msg("持久化配置无效，使用配置文件")
	}
	rt := config.NewRuntime(cfg, store)

	driver, err := newDriver(cfg.Radio.Driver)
	if err != nil {
		log.Fatal().Err(err).Msg("创建射频驱动失败")
	}

	mir := newMirror(cfg)

	gw, err := gateway.New(rt, gateway.Deps{Driver: driver, Store: store, Mirror: mir})
	if err != nil {
		log.Fatal().Err(err).Msg("创建网关失败")
	}

	// 管理接口
	var apiServer *api.RESTServer
	if cfg.API.Bind != "" {
		apiServer = api.NewRESTServer(rt, gw, store)
		go func() {
			if err := apiServer.ListenAndServe(cfg.API.Bind); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("管理接口停止")
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	// 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("收到信号，正在关闭...")
		cancel()
		runErr = <-done
	case runErr = <-done:
	}

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		apiServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if fault.IsFatal(runErr) {
		restart(store, cfg.Statistics.HighWaterMark, runErr)
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("网关异常退出")
		store.Close()
		os.Exit(1)
	}

	log.Info().Msg("网关已停止")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func newDriver(name string) (radio.Driver, error) {
	switch name {
	case "stub", "":
		log.Warn().Msg("使用模拟射频驱动")
		return stub.New(), nil
	}
	return nil, fmt.Errorf("unsupported radio driver %q", name)
}

// newMirror 连接配置的 NATS/MQTT，连接失败只记录日志
func newMirror(cfg *config.Config) *mirror.Mirror {
	var sinks []mirror.Sink
	if cfg.NATS.URL != "" {
		s, err := mirror.ConnectNATS(cfg.NATS)
		if err != nil {
			log.Error().Err(err).Str("url", cfg.NATS.URL).Msg("连接 NATS 失败，不发布事件")
		} else {
			log.Info().Msg("已连接到 NATS")
			sinks = append(sinks, s)
		}
	}
	if cfg.MQTT.BrokerURL != "" {
		s, err := mirror.ConnectMQTT(cfg.MQTT)
		if err != nil {
			log.Error().Err(err).Str("broker", cfg.MQTT.BrokerURL).Msg("连接 MQTT 失败，不发布事件")
		} else {
			log.Info().Msg("已连接到 MQTT")
			sinks = append(sinks, s)
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	return mirror.New(cfg.Gateway.EUI.String(), 256, sinks...)
}

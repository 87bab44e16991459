package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/fault"
	"github.com/lorawan-server/sc-gateway/internal/stats"
	"github.com/lorawan-server/sc-gateway/internal/storage"
)

// restartLine 写入统计日志的重启记录
func restartLine(at time.Time, err error) string {
	loc := "unknown"
	if v, ok := fault.As(err); ok {
		loc = v.Location()
	}
	return fmt.Sprintf("restart %s at=%s err=%q", at.UTC().Format(time.RFC3339), loc, err.Error())
}

// writeRestart 经统计日志写入重启记录，同样受高水位约束
func writeRestart(ctx context.Context, l *stats.Logger, at time.Time, err error) error {
	return l.Write(ctx, restartLine(at, err))
}

// restart 记录致命错误后用同一二进制替换当前进程
func restart(store storage.Store, highWater float64, err error) {
	log.Error().Err(err).Msg("不变量被破坏，重启网关")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if werr := writeRestart(ctx, stats.NewLogger(store, highWater), time.Now(), err); werr != nil {
		log.Error().Err(werr).Msg("写入重启记录失败")
	}
	cancel()
	store.Close()

	exe, xerr := os.Executable()
	if xerr != nil {
		log.Fatal().Err(xerr).Msg("找不到可执行文件")
	}
	if xerr := syscall.Exec(exe, os.Args, os.Environ()); xerr != nil {
		log.Fatal().Err(xerr).Msg("重启失败")
	}
}

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

	"gridspace/server"
)

// GridSpace 入口：启动 HTTP + WebSocket 服务，并初始化房间注册表
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	// 命令行参数覆盖环境变量
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "server listen address, e.g. :8000")
	flag.StringVar(&cfg.LogFile, "log", cfg.LogFile, "log file path")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := server.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	specs, err := cfg.RoomSpecs()
	if err != nil {
		return err
	}
	metrics := &server.Metrics{}
	registry := server.NewRegistry(cfg.DefaultSpec(), specs, log, metrics)
	// 先预创建默认房间与配置过的房间
	_ = registry.GetOrCreateRoom(server.DefaultRoomID)
	for id := range specs {
		_ = registry.GetOrCreateRoom(id)
	}

	acceptor := server.NewAcceptor(cfg, registry, log, metrics)
	admin := &server.Admin{Registry: registry, Metrics: metrics, Acceptor: acceptor}

	mux := http.NewServeMux()
	mux.Handle("/ws", acceptor)
	// 参考客户端直接连接根路径
	mux.Handle("/", acceptor)
	mux.HandleFunc("/admin/rooms", admin.HandleRooms)
	mux.HandleFunc("/metrics", admin.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("GridSpace listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	// 被劫持的 WebSocket 连接不受 http.Server 管理，逐个走会话清理
	acceptor.Shutdown()
	return nil
}

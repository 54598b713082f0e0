package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/arcade-server/internal/archive"
	"github.com/park285/arcade-server/internal/chatrelay"
	appcfg "github.com/park285/arcade-server/internal/config"
	"github.com/park285/arcade-server/internal/game"
	"github.com/park285/arcade-server/internal/game/battleship"
	"github.com/park285/arcade-server/internal/game/chessgame"
	"github.com/park285/arcade-server/internal/game/drop4"
	"github.com/park285/arcade-server/internal/msgcat"
	"github.com/park285/arcade-server/internal/obslog"
	"github.com/park285/arcade-server/internal/presence"
	"github.com/park285/arcade-server/internal/server"
	"github.com/park285/arcade-server/internal/store"
	"github.com/park285/arcade-server/internal/ws"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.Open(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		log.Fatalf("redis init error: %v", err)
	}

	cat, err := msgcat.New(cfg.MsgOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	registry := game.NewRegistry()
	registry.Register(drop4.New())
	registry.Register(battleship.New())
	registry.Register(chessgame.New())

	var srvOpts []server.Option
	srvOpts = append(srvOpts, server.WithGracePeriod(cfg.GracePeriod))

	var chat *chatrelay.Client
	if cfg.ChatBaseURL != "" {
		chat = chatrelay.NewClient(cfg.ChatBaseURL)
		srvOpts = append(srvOpts, server.WithChatRelay(chat))
	}

	var repo *archive.Repository
	if cfg.DatabaseURL != "" {
		repo, err = archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive repo init error: %v", err)
		}
		srvOpts = append(srvOpts, server.WithArchive(repo))
	}

	trackerOpts := []presence.Option{
		presence.WithGracePeriod(cfg.GracePeriod),
		presence.WithRecentRoomTTL(cfg.RecentRoomTTL),
		presence.WithSweepInterval(cfg.SweepInterval),
	}
	if chat != nil {
		trackerOpts = append(trackerOpts, presence.WithSideChannel(chat))
	}
	tracker := presence.NewTracker(st, trackerOpts...)

	srv := server.New(tracker, st, registry, cat, srvOpts...)
	tracker.SetNotifier(srv)
	tracker.Start()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewGateway(srv))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		obslog.L().Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.L().Fatal("http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = httpSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	tracker.Stop()
	if repo != nil {
		_ = repo.Close()
	}
	_ = st.Close()
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"hireline/rtc-engine/internal/cache"
	"hireline/rtc-engine/internal/call"
	"hireline/rtc-engine/internal/channel"
	"hireline/rtc-engine/internal/config"
	"hireline/rtc-engine/internal/engine"
	"hireline/rtc-engine/internal/remote"
	"hireline/rtc-engine/pkg/models"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// The daemon runs headless: messaging, presence, and call signaling are
// live, but there is no microphone to hand to a call.
type noMedia struct{}

func (noMedia) Acquire(context.Context) (call.Capture, error) {
	return nil, call.ErrMediaPermission
}

func noTransport(call.Capture, call.TransportCallbacks) (call.MediaTransport, error) {
	return nil, errors.New("media transport unavailable in headless mode")
}

type noRinger struct{}

func (noRinger) StartRinging() {}
func (noRinger) StopRinging() {}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to rtc.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for engine local data (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("rtcd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.LoadFromPath(*configPath)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if cfg.ChannelURL == "" || cfg.APIBaseURL == "" {
		logger.Error("channelUrl and apiBaseUrl are required")
		os.Exit(1)
	}
	if cfg.User.ID == "" {
		logger.Error("user id is required (user.id or RTC_USER_ID)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildCache(ctx, cfg)
	if err != nil {
		logger.Error("cache init failed", "err", err)
		os.Exit(1)
	}

	local := models.Identity{ID: cfg.User.ID, DisplayName: cfg.User.DisplayName}
	session := channel.NewSession(channel.WebsocketDial(cfg.ChannelURL, cfg.AuthToken), cfg.Reconnect, logger)
	client := remote.NewClient(cfg.APIBaseURL, cfg.AuthToken, logger)

	core := engine.NewCore(cfg, local, engine.Deps{
		Channel:      session,
		Remote:       client,
		Cache:        store,
		Media:        noMedia{},
		NewTransport: noTransport,
		Ringer:       noRinger{},
		Logger:       logger,
	})

	logger.Info("rtcd starting", "version", version, "user_id", local.ID)
	if err := core.Start(ctx); err != nil {
		logger.Error("rtcd failed to start", "err", err)
		os.Exit(1)
	}
	if err := core.Refresh(ctx); err != nil {
		logger.Warn("initial conversation refresh failed", "err", err)
	}

	<-ctx.Done()
	if err := core.Stop(); err != nil {
		logger.Warn("shutdown error", "err", err)
	}
	logger.Info("rtcd stopped")
}

func buildCache(ctx context.Context, cfg config.Config) (cache.Store, error) {
	if cfg.Cache.RedisAddr != "" {
		return cache.NewRedisStore(ctx, cfg.Cache.RedisAddr)
	}
	path := cfg.Cache.FilePath
	if path == "" && cfg.DataDir != "" {
		path = filepath.Join(cfg.DataDir, "timelines.bin")
	}
	if path != "" {
		return cache.NewFileStore(path, cfg.Cache.Passphrase)
	}
	return cache.NewMemory(), nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/mobilelink/pkg/flow"
	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/mobilelink"
	"github.com/raterudder/mobilelink/pkg/poller"
	"github.com/raterudder/mobilelink/pkg/publish"
	"github.com/raterudder/mobilelink/pkg/secret"
	"github.com/raterudder/mobilelink/pkg/server"
	"github.com/raterudder/mobilelink/pkg/storage"
)

func main() {
	// init packages
	s := storage.Configured()
	client := mobilelink.Configured()
	box := secret.Configured()
	mqttPub := publish.ConfiguredMQTT()
	collector := publish.NewCollector()

	// mqtt is added once flags tell whether a broker is configured
	publishers := &publish.Multi{collector}
	sessions := mobilelink.NewMap(client)
	p := poller.Configured(s, sessions, box, publishers)
	flows := flow.New(sessions, s, box, p)
	p.OnReauth(flows.ReauthRequired)

	// init server
	srv := server.Configured(s, p, flows, box, collector)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Ctx(context.Background()))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if err := client.Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid mobile link config", "error", err)
		os.Exit(1)
	}
	if err := mqttPub.Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid mqtt config", "error", err)
		os.Exit(1)
	}
	if mqttPub.Enabled() {
		if err := mqttPub.Connect(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to connect to mqtt", "error", err)
			os.Exit(1)
		}
		defer mqttPub.Close()
		*publishers = append(*publishers, mqttPub)
	}

	if err := p.Init(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load entries", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return p.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

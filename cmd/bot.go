package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/wabot/internal/bus"
	"github.com/nextlevelbuilder/wabot/internal/channels"
	"github.com/nextlevelbuilder/wabot/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/wabot/internal/commands"
	"github.com/nextlevelbuilder/wabot/internal/config"
	"github.com/nextlevelbuilder/wabot/internal/identity"
	"github.com/nextlevelbuilder/wabot/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func runBot() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	msgBus := bus.New()

	wa, err := whatsapp.New(cfg.WhatsApp, msgBus)
	if err != nil {
		slog.Error("failed to create whatsapp channel", "error", err)
		os.Exit(1)
	}

	reconciler := identity.New(wa)
	wa.OnPhoneNumberShared(reconciler.Remember)
	wa.SetIdentityResolver(func(id string) string {
		return reconciler.ResolveCanonical(id, false)
	})

	channelMgr := channels.NewManager(msgBus)
	channelMgr.RegisterChannel(wa.Name(), wa)

	router := commands.NewRouter(commands.Config{
		Greetings: cfg.Commands.Greetings,
		StartedAt: time.Now(),
	}, channelSender{mgr: channelMgr, channel: wa.Name()}, reconciler)

	consumer := &inboundConsumer{
		bus:        msgBus,
		reconciler: reconciler,
		router:     router,
		sender:     channelSender{mgr: channelMgr, channel: wa.Name()},
		limiter: channels.NewSenderRateLimiter(
			time.Duration(cfg.Commands.RateLimitWindowSeconds)*time.Second,
			cfg.Commands.RateLimitHits,
		),
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}

	slog.Info("wabot started", "version", Version, "bridge", cfg.WhatsApp.BridgeURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return channelMgr.StopAll(sctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("bot stopped with error", "error", err)
	}

	stats := reconciler.Stats()
	slog.Info("wabot stopped", "mappings", stats.Mappings, "lookups", stats.Attempted)
}

// channelSender adapts the channel manager to commands.Sender.
type channelSender struct {
	mgr     *channels.Manager
	channel string
}

func (s channelSender) Send(ctx context.Context, target, body, quotedMessageID string) error {
	return s.mgr.SendToChannel(ctx, s.channel, target, body, quotedMessageID)
}

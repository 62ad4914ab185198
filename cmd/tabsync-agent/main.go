package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/broadcast"
	"github.com/agentworkforce/tabsync/internal/config"
	"github.com/agentworkforce/tabsync/internal/coordinator"
	"github.com/agentworkforce/tabsync/internal/guard"
	"github.com/agentworkforce/tabsync/internal/identity"
	"github.com/agentworkforce/tabsync/internal/persistence"
	"github.com/agentworkforce/tabsync/internal/quicktab"
	"github.com/agentworkforce/tabsync/internal/telemetry"
)

type agentOptions struct {
	HubURL          string
	Token           string
	StateDSN        string
	Identity        identity.Identity
	IdentityTimeout time.Duration
	MemorySampler   string
	Sync            config.Sync
	Once            bool
}

func main() {
	bootLogger := telemetry.NewLogger(os.Stderr, os.Getenv("TABSYNC_LOG_LEVEL"))
	cfg, err := config.Load(bootLogger)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	hubURL := flag.String("hub-url", cfg.Agent.HubURL, "hub base URL; empty disables broadcast")
	token := flag.String("token", cfg.Agent.Token, "bearer token for the hub room")
	stateDSN := flag.String("state-dsn", cfg.Agent.StateDSN, "durable store DSN")
	contextID := flag.String("context", cfg.Agent.Identity.ContextID, "execution context ID")
	boundaryID := flag.String("boundary", cfg.Agent.Identity.BoundaryID, "isolation boundary ID")
	identityTimeout := flag.Duration("identity-timeout", cfg.Agent.IdentityTimeout, "identity lookup timeout")
	sampler := flag.String("memory-sampler", "rusage", "memory sampler: rusage, runtime or none")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level")
	once := flag.Bool("once", false, "hydrate, print the table as JSON and exit")
	flag.Parse()

	logger := telemetry.NewLogger(os.Stderr, *logLevel)
	opts := agentOptions{
		HubURL:   strings.TrimSpace(*hubURL),
		Token:    strings.TrimSpace(*token),
		StateDSN: strings.TrimSpace(*stateDSN),
		Identity: identity.Identity{
			ContextID:  strings.TrimSpace(*contextID),
			InstanceID: cfg.Agent.Identity.InstanceID,
			BoundaryID: strings.TrimSpace(*boundaryID),
		},
		IdentityTimeout: *identityTimeout,
		MemorySampler:   *sampler,
		Sync:            cfg.Sync,
		Once:            *once,
	}
	if opts.HubURL != "" && opts.Token == "" {
		log.Fatalf("token is required with a hub URL (--token or TABSYNC_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, logger, os.Stdout); err != nil {
		log.Fatalf("agent failed: %v", err)
	}
}

// run hosts one execution context until ctx is done. With Once set it
// prints the hydrated table and returns immediately.
func run(ctx context.Context, opts agentOptions, logger zerolog.Logger, out io.Writer) error {
	if opts.StateDSN == "" {
		return fmt.Errorf("state DSN is required")
	}
	sampler, err := memorySampler(opts.MemorySampler)
	if err != nil {
		return err
	}
	fallback := identity.Fallback()
	if opts.Identity.BoundaryID != "" {
		fallback.BoundaryID = opts.Identity.BoundaryID
	}
	id, resolved := identity.Resolve(ctx, identity.Static(opts.Identity), opts.IdentityTimeout, fallback)
	if !resolved {
		logger.Warn().Str("contextId", id.ContextID).Str("boundary", id.BoundaryID).Msg("identity unresolved; running as a fresh context")
	}

	backend, err := persistence.BuildBackendFromDSN(opts.StateDSN, logger)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}
	defer backend.Close()

	var transport broadcast.Transport
	if opts.HubURL != "" && !opts.Once {
		roomURL, err := broadcast.RoomURL(opts.HubURL, id.BoundaryID)
		if err != nil {
			return fmt.Errorf("hub url: %w", err)
		}
		ws, err := broadcast.DialWebSocket(ctx, broadcast.WebSocketOptions{
			URL:    roomURL,
			Token:  opts.Token,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("hub dial: %w", err)
		}
		transport = ws
	}

	metrics := telemetry.NewMetrics()
	coord, err := coordinator.New(coordinator.Options{
		Identity:           id,
		Backend:            backend,
		Transport:          transport,
		Logger:             logger,
		Metrics:            metrics,
		Listener:           logListener{logger: telemetry.Component(logger, "agent")},
		Debounce:           opts.Sync.Debounce,
		AckTimeout:         opts.Sync.AckTimeout,
		EchoWindow:         opts.Sync.EchoWindow,
		TransitionDuration: opts.Sync.TransitionDuration,
		HydrateTimeout:     opts.Sync.HydrateTimeout,
		MaxEntries:         opts.Sync.MaxEntries,
		EvictionPercent:    opts.Sync.EvictionPercent,
		MaxAge:             opts.Sync.MaxAge,
		SweepInterval:      opts.Sync.SweepInterval,
		MemorySampler:      sampler,
		MemoryThreshold:    opts.Sync.MemoryThreshold,
		MemoryInterval:     opts.Sync.MemoryInterval,
		MaxArrayLength:     opts.Sync.MaxArrayLength,
		OutboxCapacity:     opts.Sync.OutboxCapacity,
	})
	if err != nil {
		if transport != nil {
			_ = transport.Close()
		}
		return err
	}
	if err := coord.Start(ctx); err != nil {
		_ = coord.Close()
		return err
	}
	logger.Info().
		Str("contextId", id.ContextID).
		Str("boundary", id.BoundaryID).
		Int("records", coord.Len()).
		Msg("tabsync agent started")

	if opts.Once {
		if err := writeTable(out, coord.GetAll()); err != nil {
			_ = coord.Close()
			return err
		}
		return coord.Close()
	}

	<-ctx.Done()
	logger.Info().Msg("tabsync agent stopping")
	return coord.Close()
}

func writeTable(out io.Writer, tabs []quicktab.QuickTab) error {
	quicktab.SortByZ(tabs)
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{"tabs": tabs})
}

func memorySampler(name string) (guard.Sampler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "rusage":
		return guard.RusageSampler{}, nil
	case "runtime":
		return guard.RuntimeSampler{}, nil
	case "none", "off":
		return guard.UnavailableSampler{}, nil
	default:
		return nil, fmt.Errorf("unsupported memory sampler: %s", name)
	}
}

// logListener stands in for a renderer: it reports what a UI would draw.
type logListener struct {
	logger zerolog.Logger
}

func (l logListener) OnRender(tab quicktab.QuickTab) {
	l.logger.Info().Str("id", tab.ID).Str("url", tab.URL).Str("state", string(tab.LifecycleState)).Msg("render")
}

func (l logListener) OnUpdate(tab quicktab.QuickTab) {
	l.logger.Debug().Str("id", tab.ID).Str("state", string(tab.LifecycleState)).Int64("zIndex", tab.ZIndex).Msg("update")
}

func (l logListener) OnDestroy(id string) {
	l.logger.Info().Str("id", id).Msg("destroy")
}

func (l logListener) OnEmergencyShutdown(reason string) {
	l.logger.Error().Str("reason", reason).Msg("sync stopped by memory guard")
}

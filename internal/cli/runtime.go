package cli

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go"

	"github.com/roach88/roomgraph/internal/config"
	"github.com/roach88/roomgraph/internal/federation"
	"github.com/roach88/roomgraph/internal/notify"
	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/statecache"
	"github.com/roach88/roomgraph/internal/stateres"
	"github.com/roach88/roomgraph/internal/store"
)

// runtime holds the components a command works with.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	cache  *statecache.Cache
	nc     *nats.Conn
}

// openRuntime loads the configuration and opens the store and state cache.
// When a NATS URL is configured the cache publishes room updates to it.
func openRuntime(opts *RootOptions, stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DatabasePath = opts.Database
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, store: st}

	cacheOpts := []statecache.Option{
		statecache.WithSnapshotCacheSize(cfg.SnapshotCacheSize),
		statecache.WithLogger(logger),
	}
	if cfg.NATS.URL != "" {
		nc, err := notify.Connect(notify.ConnectConfig{URL: cfg.NATS.URL, Name: cfg.ServerName})
		if err != nil {
			rt.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		rt.nc = nc
		sink, err := notify.NewNATSSink(nc, cfg.NATS.SubjectPrefix, notify.WithLogger(logger))
		if err != nil {
			rt.Close()
			return nil, WrapExitError(ExitCommandError, "invalid NATS config", err)
		}
		cacheOpts = append(cacheOpts, statecache.WithSink(sink))
	}

	resolver := stateres.New(st, stateres.WithLogger(logger))
	rt.cache = statecache.New(st, resolver, cacheOpts...)
	return rt, nil
}

// pipeline builds the intake pipeline. The signing key is optional: without
// one the pipeline can verify and store remote events but not sign local
// ones.
func (rt *runtime) pipeline() (*federation.Pipeline, error) {
	var key pdu.SigningKey
	if rt.cfg.SigningKeyFile != "" {
		k, err := rt.cfg.SigningKey()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load signing key", err)
		}
		key = k
	}
	ring, err := rt.cfg.KeyRing(key)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid verify keys", err)
	}

	network, err := federation.NewHTTPNetwork(federation.HTTPConfig{
		Servers:    rt.cfg.Peers,
		HTTPClient: &http.Client{Timeout: rt.cfg.Fetch.Timeout.Duration},
		Logger:     rt.logger,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid peers", err)
	}

	p, err := federation.NewPipeline(federation.Config{
		ServerName: rt.cfg.Server(),
		SigningKey: key,
		Store:      rt.store,
		Cache:      rt.cache,
		KeyRing:    ring,
		Network:    network,
		Peers:      rt.cfg.PeerNames(),
		Limits:     limitsFrom(rt.cfg),
		Logger:     rt.logger,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create pipeline", err)
	}
	return p, nil
}

func limitsFrom(cfg config.Config) federation.Limits {
	f := cfg.Fetch
	return federation.Limits{
		MaxDepth:          f.MaxDepth,
		MaxEvents:         f.MaxEvents,
		MaxOutstanding:    f.MaxOutstanding,
		MaxAttempts:       f.MaxAttempts,
		FetchTimeout:      f.Timeout.Duration,
		BackoffInitial:    f.BackoffInitial.Duration,
		BackoffMax:        f.BackoffMax.Duration,
		ServerBackoff:     f.ServerBackoff.Duration,
		PrefetchThreshold: f.PrefetchThreshold,
		PendingTTL:        cfg.PendingTTL.Duration,

		MaxPendingAttempts: cfg.PendingMaxAttempts,
	}
}

// Close drains the NATS connection and closes the store.
func (rt *runtime) Close() error {
	var errs []error
	if rt.nc != nil {
		errs = append(errs, rt.nc.Drain())
	}
	errs = append(errs, rt.store.Close())
	return errors.Join(errs...)
}

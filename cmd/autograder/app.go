package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"

	"github.com/pavelanni/autograder/internal/cache"
	"github.com/pavelanni/autograder/internal/config"
	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/notify"
	"github.com/pavelanni/autograder/internal/pipeline"
	"github.com/pavelanni/autograder/internal/store"
)

// app holds the wired dependencies of a grading command.
type app struct {
	settings config.Settings
	pipeline *pipeline.Pipeline
	store    *store.Store
	registry *prometheus.Registry
	closers  []func() error
}

// newApp validates settings and wires model, cache, store, notifier and
// pipeline. Artifacts go to per-run subdirectories of --out when perRun is set.
func newApp(ctx context.Context, v *viper.Viper, perRun bool) (*app, error) {
	s, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := appI18n.Init(s.Lang); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}

	a := &app{settings: s, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	m, err := newModel(ctx, s)
	if err != nil {
		return nil, err
	}
	if c, isCloser := m.(interface{ Close() error }); isCloser {
		a.closers = append(a.closers, c.Close)
	}
	client := llm.NewClient(m, llm.Options{
		Timeout:    s.LLMTimeout,
		Registerer: a.registry,
	})
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "provider", s.LLMProvider, "model", client.ModelName())

	if s.DB != "" {
		db, err := store.New(s.DB)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.store = db
		a.closers = append(a.closers, db.Close)
	}

	c, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	scorer, err := pipeline.NewScorer(s.GradingPolicy, client)
	if err != nil {
		return nil, err
	}

	opts := pipeline.Options{
		Cache: c,
		Retry: pipeline.RetryPolicy{
			MaxRetries: s.MaxRetries,
			BaseDelay:  s.RetryBaseDelay,
			MaxDelay:   s.RetryMaxDelay,
			Jitter:     pipeline.DefaultRetryPolicy().Jitter,
		},
		Registerer: a.registry,
	}

	var sinks pipeline.MultiSink
	if s.Out != "" {
		sinks = append(sinks, pipeline.DirSink{Dir: s.Out, Flat: !perRun})
	}
	if a.store != nil {
		sinks = append(sinks, a.store)
		opts.Recorder = a.store
	}
	if len(sinks) > 0 {
		opts.Sink = sinks
	}

	if s.NATSURL != "" {
		n, err := notify.Connect(s.NATSURL, s.NATSSubject)
		if err != nil {
			return nil, err
		}
		opts.Notifier = n
		a.closers = append(a.closers, func() error { n.Close(); return nil })
	}

	a.pipeline = pipeline.New(client, scorer, opts)
	ok = true
	return a, nil
}

func newModel(ctx context.Context, s config.Settings) (llm.Model, error) {
	switch s.LLMProvider {
	case "gemini":
		return llm.NewGemini(ctx, s.LLMKey, s.LLMModel)
	case "openai":
		return llm.NewOpenAI(s.LLMURL, s.LLMKey, s.LLMModel), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", s.LLMProvider)
	}
}

func (a *app) openCache(ctx context.Context) (cache.Cache, error) {
	switch a.settings.Cache {
	case "memory":
		return cache.NewMemory(), nil
	case "sqlite":
		if a.store == nil {
			return nil, errors.New("--cache sqlite needs --db")
		}
		return a.store.Memo(), nil
	case "redis":
		r, err := cache.OpenRedis(ctx, a.settings.RedisURL, a.settings.CacheTTL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r.Close)
		return r, nil
	default:
		return cache.Nop{}, nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

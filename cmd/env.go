package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-cli/internal/api"
	"github.com/sells-group/tender-cli/internal/ingest"
	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/oracle"
	"github.com/sells-group/tender-cli/internal/pipeline"
	"github.com/sells-group/tender-cli/internal/store"
	anthropicpkg "github.com/sells-group/tender-cli/pkg/anthropic"
	"github.com/sells-group/tender-cli/pkg/deepseek"
)

// appEnv holds the store, ingester and pipeline needed by the analysis,
// server and worker commands.
type appEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Ingester *ingest.Ingester
	Oracle   api.OracleInfo
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the configuration for mode, opens the store and builds
// the pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	opts, err := pipeline.OptionsFromConfig(cfg.Pipeline)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline options")
	}

	ing, err := ingest.New(cfg.Ingest, cfg.Pipeline.MinTextChars)
	if err != nil {
		return nil, eris.Wrap(err, "init ingester")
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	provider, info := initProvider()
	if !info.Configured && mode != "store" {
		zap.L().Warn("oracle not configured, runs will fail with configuration errors",
			zap.String("provider", info.Provider),
		)
	}
	ext := oracle.NewExtractor(provider, oracleOptions())

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("oracle", info.Provider),
		zap.String("model", info.Model),
		zap.String("listing_mode", string(opts.ListingMode)),
		zap.String("deep_mode", string(opts.DeepMode)),
	)

	return &appEnv{
		Store:    st,
		Pipeline: pipeline.New(st, ext, opts),
		Ingester: ing,
		Oracle:   info,
	}, nil
}

// initProvider builds the configured oracle provider. It returns a nil
// provider when the key is missing.
func initProvider() (oracle.Provider, api.OracleInfo) {
	switch cfg.Oracle.Provider {
	case "anthropic":
		info := api.OracleInfo{
			Provider:   "anthropic",
			Model:      cfg.Anthropic.Model,
			Configured: cfg.Anthropic.Key != "",
		}
		if !info.Configured {
			return nil, info
		}
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		return oracle.NewAnthropicProvider(client, cfg.Anthropic.Model), info
	default:
		info := api.OracleInfo{
			Provider:   "deepseek",
			Model:      cfg.DeepSeek.Model,
			Configured: cfg.DeepSeek.Key != "",
		}
		if !info.Configured {
			return nil, info
		}
		opts := []deepseek.Option{deepseek.WithModel(cfg.DeepSeek.Model)}
		if cfg.DeepSeek.BaseURL != "" {
			opts = append(opts, deepseek.WithBaseURL(cfg.DeepSeek.BaseURL))
		}
		client := deepseek.NewClient(cfg.DeepSeek.Key, opts...)
		return oracle.NewDeepSeekProvider(client, cfg.DeepSeek.Model), info
	}
}

func oracleOptions() oracle.Options {
	opts := oracle.DefaultOptions()
	if cfg.Oracle.TimeoutSecs > 0 {
		opts.Timeout = time.Duration(cfg.Oracle.TimeoutSecs) * time.Second
	}
	if cfg.Oracle.RatePerSec > 0 {
		opts.RatePerSec = cfg.Oracle.RatePerSec
	}
	if cfg.Oracle.CircuitThreshold > 0 {
		opts.CircuitThreshold = cfg.Oracle.CircuitThreshold
	}
	if cfg.Pipeline.ListingMaxChars > 0 {
		opts.MaxChars[model.PhaseListing] = cfg.Pipeline.ListingMaxChars
	}
	if cfg.Pipeline.DeepMaxChars > 0 {
		opts.MaxChars[model.PhaseDeep] = cfg.Pipeline.DeepMaxChars
	}
	return opts
}

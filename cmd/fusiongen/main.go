package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"fusiongen/internal/domain"
	"fusiongen/internal/generation"
	"fusiongen/internal/http/handlers"
	"fusiongen/internal/http/httpapi"
	"fusiongen/internal/infra"
	"fusiongen/internal/infra/credentials"
	"fusiongen/internal/metrics"
	"fusiongen/internal/progress"
	"fusiongen/internal/providers/fusionbrain"
	"fusiongen/internal/ratelimit"
	"fusiongen/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fusiongen",
		Short:         "Generate images from one prompt across many FusionBrain keys",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := infra.LoadConfig()
			if err != nil {
				return reportConfigError(cmd.ErrOrStderr(), err)
			}
			if err := applyFlags(cmd.Flags(), cfg); err != nil {
				return reportConfigError(cmd.ErrOrStderr(), err)
			}
			if err := cfg.Validate(); err != nil {
				return reportConfigError(cmd.ErrOrStderr(), err)
			}
			logger := infra.NewLogger(cfg.AppEnv)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := run(ctx, cfg, logger, cmd.OutOrStdout())
			if err != nil {
				logger.Error().Err(err).Msg("fusiongen: cannot start")
				return err
			}
			logger.Info().
				Int("completed", summary.Completed).
				Int("startup_failed", summary.StartupFailed).
				Int("failed", summary.Failed).
				Int("not_admitted", summary.NotAdmitted).
				Msg("fusiongen: finished")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringP("prompt", "p", "", "text prompt (overrides PROMPT)")
	f.String("prompt-file", "", "read the prompt from a file (overrides PROMPT_FILE)")
	f.String("negative-prompt", "", "negative prompt (overrides NEGATIVE_PROMPT)")
	f.String("style", "", "generation style (overrides STYLE)")
	f.StringP("keys", "k", "", "credential file with token:secret lines (overrides KEYS_FILE)")
	f.StringP("output", "o", "", "output directory (overrides OUTPUT_DIR)")
	f.IntP("per-key", "n", 0, "images per key (overrides IMAGES_PER_KEY)")
	f.IntP("concurrency", "c", 0, "keys running at once (overrides MAX_CONCURRENT_KEYS)")
	f.Int("width", 0, "image width (overrides IMAGE_WIDTH)")
	f.Int("height", 0, "image height (overrides IMAGE_HEIGHT)")
	f.Int("max-errors", 0, "stop a key after this many consecutive errors, 0 for never (overrides MAX_CONSECUTIVE_ERRORS)")
	f.String("progress", "", "progress output: auto, bar, plain or none (overrides PROGRESS_MODE)")
	f.String("status-addr", "", "serve the status API on this address (overrides STATUS_ADDR)")
	return cmd
}

func reportConfigError(w io.Writer, err error) error {
	fmt.Fprintf(w, "Error: %v\n", err)
	return err
}

// applyFlags copies explicitly set flags over the environment values.
func applyFlags(f *pflag.FlagSet, cfg *infra.Config) error {
	strs := map[string]*string{
		"prompt":          &cfg.Prompt,
		"prompt-file":     &cfg.PromptFile,
		"negative-prompt": &cfg.NegativePrompt,
		"style":           &cfg.Style,
		"keys":            &cfg.KeysFile,
		"output":          &cfg.OutputDir,
		"progress":        &cfg.ProgressMode,
		"status-addr":     &cfg.StatusAddr,
	}
	for name, dst := range strs {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	ints := map[string]*int{
		"per-key":     &cfg.ImagesPerKey,
		"concurrency": &cfg.MaxConcurrent,
		"width":       &cfg.Width,
		"height":      &cfg.Height,
		"max-errors":  &cfg.MaxConsecutiveErrors,
	}
	for name, dst := range ints {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

// run generates cfg.ImagesPerKey images for every credential in the keys file.
// Only setup failures are returned; per-key failures end up in the summary.
func run(ctx context.Context, cfg *infra.Config, logger infra.Logger, out io.Writer) (generation.Summary, error) {
	creds, err := credentials.LoadFile(cfg.KeysFile)
	if err != nil {
		return generation.Summary{}, err
	}

	outputDir := cfg.OutputDir
	if !filepath.IsAbs(outputDir) {
		if abs, err := filepath.Abs(outputDir); err == nil {
			outputDir = abs
		}
	}
	fileStore, err := storage.NewFileStore(outputDir)
	if err != nil {
		return generation.Summary{}, fmt.Errorf("configure storage: %w", err)
	}
	images := storage.NewImageSink(fileStore)

	collector := metrics.NewCollector("fusiongen")
	sink, err := progress.NewSink(cfg.ProgressMode, out)
	if err != nil {
		return generation.Summary{}, err
	}
	agg := progress.NewAggregator(cfg.ImagesPerKey, len(creds), sink, collector)
	defer agg.Close()

	if cfg.StatusAddr != "" {
		router := httpapi.NewRouter(handlers.NewApp(agg), httpapi.RouterOptions{
			Logger:          logger,
			Metrics:         collector,
			RateLimitPerMin: cfg.RateLimitPerMin,
		})
		srv := infra.NewHTTPServer(cfg, router)
		errc, err := srv.Start()
		if err != nil {
			return generation.Summary{}, fmt.Errorf("status api: %w", err)
		}
		logger.Info().Str("addr", srv.Addr()).Msg("fusiongen: status api listening")
		go func() {
			for err := range errc {
				logger.Error().Err(err).Msg("fusiongen: status api stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("fusiongen: status api shutdown")
			}
		}()
	}

	logger.Info().
		Int("keys", len(creds)).
		Int("per_key", cfg.ImagesPerKey).
		Int("concurrency", cfg.MaxConcurrent).
		Str("output", outputDir).
		Msg("fusiongen: starting")

	settings := generation.Settings{
		Prompt:               cfg.Prompt,
		NegativePrompt:       cfg.NegativePrompt,
		Style:                cfg.Style,
		Width:                cfg.Width,
		Height:               cfg.Height,
		Quota:                cfg.ImagesPerKey,
		PollAttempts:         cfg.PollAttempts,
		PollDelay:            cfg.PollDelay,
		ErrorCooldown:        cfg.ErrorCooldown,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
	}
	scheduler := generation.NewScheduler(generation.SchedulerOptions{
		Ceiling: cfg.MaxConcurrent,
		Pacing:  cfg.SlotPacing,
		Logger:  logger,
		Metrics: collector,
	})

	summary, err := scheduler.Run(ctx, creds, func(ctx context.Context, cred domain.Credential) error {
		workerLogger := logger.With().Str("key", cred.String()).Logger()
		client, err := fusionbrain.NewClient(fusionbrain.Options{
			BaseURL:        cfg.BaseURL,
			Credential:     cred,
			Throttle:       ratelimit.New(cfg.RequestInterval),
			RequestTimeout: cfg.HTTPTimeout,
			Logger:         &workerLogger,
			Metrics:        collector,
		})
		if err != nil {
			return &domain.FatalStartupError{CredentialPrefix: cred.Prefix(), Err: err}
		}
		worker := generation.NewWorker(generation.WorkerOptions{
			Credential: cred,
			Client:     client,
			Sink:       images,
			Progress:   agg,
			Settings:   settings,
			Logger:     logger,
			Metrics:    collector,
		})
		return worker.Run(ctx)
	})
	if err != nil && ctx.Err() == nil {
		return summary, err
	}
	if errors.Is(err, context.Canceled) {
		logger.Warn().Msg("fusiongen: interrupted")
	}
	return summary, nil
}

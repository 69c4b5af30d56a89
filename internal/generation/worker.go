// Package generation drives per-credential image quotas and bounds how many
// credentials run at once.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fusiongen/internal/domain"
	"fusiongen/internal/metrics"
	"fusiongen/internal/ratelimit"
)

// State is the worker's position in the submit/poll/save cycle.
type State string

const (
	StateResolvingModel State = "RESOLVING_MODEL"
	StateSubmitting     State = "SUBMITTING"
	StatePolling        State = "POLLING"
	StateSaving         State = "SAVING"
	StateDone           State = "DONE"
)

// Client is the remote API surface a worker needs.
type Client interface {
	ResolveModel(ctx context.Context) (string, error)
	SubmitGeneration(ctx context.Context, modelID string, params domain.GenerationParams) (string, error)
	PollUntilDone(ctx context.Context, jobID string, maxAttempts int, delay time.Duration) ([][]byte, bool, error)
	Close() error
}

// ImageSink persists one decoded image.
type ImageSink interface {
	Save(ctx context.Context, img domain.GeneratedImage) (string, error)
}

// ProgressRecorder receives one event per saved image.
type ProgressRecorder interface {
	Observe(ev domain.CompletionEvent)
}

// Settings are shared by every worker in a run.
type Settings struct {
	Prompt         string
	NegativePrompt string
	Style          string
	Width          int
	Height         int
	Quota          int
	PollAttempts   int
	PollDelay      time.Duration
	ErrorCooldown  time.Duration
	// MaxConsecutiveErrors ends the worker after that many cooldowns in a row.
	// Zero retries forever.
	MaxConsecutiveErrors int
}

// WorkerOptions wires a worker to its collaborators.
type WorkerOptions struct {
	Credential domain.Credential
	Client     Client
	Sink       ImageSink
	Progress   ProgressRecorder
	Settings   Settings
	Clock      ratelimit.Clock
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
}

// Worker produces one credential's quota. It is not safe for concurrent use
// and must not be reused after Run returns.
type Worker struct {
	credential domain.Credential
	prefix     string
	client     Client
	sink       ImageSink
	progress   ProgressRecorder
	settings   Settings
	clock      ratelimit.Clock
	logger     zerolog.Logger
	metrics    *metrics.Collector

	state    State
	produced int
}

func NewWorker(opts WorkerOptions) *Worker {
	clock := opts.Clock
	if clock == nil {
		clock = ratelimit.SystemClock
	}
	prefix := opts.Credential.Prefix()
	return &Worker{
		credential: opts.Credential,
		prefix:     prefix,
		client:     opts.Client,
		sink:       opts.Sink,
		progress:   opts.Progress,
		settings:   opts.Settings,
		clock:      clock,
		logger:     opts.Logger.With().Str("key", prefix+"...").Logger(),
		metrics:    opts.Metrics,
	}
}

// Produced is the number of images saved so far.
func (w *Worker) Produced() int { return w.produced }

// State returns the current state.
func (w *Worker) State() State { return w.state }

// Run resolves the model, then loops until the quota is met. Per-image
// failures are retried; only a failed model lookup, cancellation or the
// optional consecutive-error cap end the worker early. The client is closed on
// every path.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if err := w.client.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("worker: close client failed")
		}
	}()

	w.setState(StateResolvingModel)
	modelID, err := w.client.ResolveModel(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		w.metrics.StartupFailed()
		w.logger.Error().Err(err).Msg("worker: error getting model")
		return &domain.FatalStartupError{CredentialPrefix: w.prefix, Err: err}
	}
	w.logger.Debug().Str("model_id", modelID).Int("quota", w.settings.Quota).Msg("worker: started")

	consecutive := 0
	for w.produced < w.settings.Quota {
		if err := ctx.Err(); err != nil {
			return err
		}
		saved, err := w.attempt(ctx, modelID)
		if err == nil {
			if saved {
				consecutive = 0
			}
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		consecutive++
		w.metrics.Retry(metrics.RetryCooldown)
		w.logger.Error().Err(err).Int("consecutive", consecutive).Msg("worker: generation error")
		if max := w.settings.MaxConsecutiveErrors; max > 0 && consecutive >= max {
			return fmt.Errorf("key %s...: giving up after %d consecutive errors: %w", w.prefix, consecutive, err)
		}
		if err := w.clock.Sleep(ctx, w.settings.ErrorCooldown); err != nil {
			return err
		}
	}

	w.setState(StateDone)
	w.logger.Debug().Int("produced", w.produced).Msg("worker: quota reached")
	return nil
}

// attempt runs one submit/poll/save cycle. It returns (false, nil) for the
// outcomes that are retried immediately: no job id and poll timeout.
func (w *Worker) attempt(ctx context.Context, modelID string) (bool, error) {
	w.setState(StateSubmitting)
	jobID, err := w.client.SubmitGeneration(ctx, modelID, domain.GenerationParams{
		Prompt:         w.settings.Prompt,
		NumImages:      1,
		Width:          w.settings.Width,
		Height:         w.settings.Height,
		NegativePrompt: w.settings.NegativePrompt,
		Style:          w.settings.Style,
	})
	if err != nil {
		if errors.Is(err, domain.ErrSubmissionFailed) {
			w.metrics.Retry(metrics.RetryNoJobID)
			w.logger.Warn().Err(err).Msg("worker: failed to start generation")
			return false, nil
		}
		return false, fmt.Errorf("submit: %w", err)
	}

	job := domain.GenerationJob{
		ID:             jobID,
		Prompt:         w.settings.Prompt,
		RequestedCount: 1,
		Status:         domain.JobStatusPending,
	}
	w.setState(StatePolling)
	images, done, err := w.client.PollUntilDone(ctx, job.ID, w.settings.PollAttempts, w.settings.PollDelay)
	if err != nil {
		job.Status = domain.JobStatusFailed
		return false, fmt.Errorf("poll job %s: %w", job.ID, err)
	}
	if !done || len(images) == 0 {
		job.Status = domain.JobStatusTimedOut
		w.metrics.Retry(metrics.RetryTimeout)
		w.logger.Warn().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("worker: generation failed, retrying")
		return false, nil
	}
	job.Status = domain.JobStatusDone

	w.setState(StateSaving)
	seq := w.produced + 1
	key, err := w.sink.Save(ctx, domain.GeneratedImage{
		CredentialPrefix: w.prefix,
		Sequence:         seq,
		Quota:            w.settings.Quota,
		Data:             images[0],
	})
	if err != nil {
		return false, fmt.Errorf("save job %s: %w", job.ID, err)
	}
	w.produced = seq
	if w.progress != nil {
		w.progress.Observe(domain.CompletionEvent{
			CredentialPrefix: w.prefix,
			Sequence:         seq,
			Total:            w.settings.Quota,
		})
	}
	w.logger.Debug().Str("job_id", job.ID).Str("file", key).Int("produced", seq).Msg("worker: image saved")
	return true, nil
}

func (w *Worker) setState(s State) {
	w.state = s
}

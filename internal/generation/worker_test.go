package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"fusiongen/internal/domain"
	"fusiongen/internal/metrics"
)

const testCooldown = 2 * time.Second

func newTestWorker(client *stubClient, sink *fakeSink, events *eventRecorder, clock *instantClock, quota int) *Worker {
	return NewWorker(WorkerOptions{
		Credential: domain.Credential{Token: "ABCDEF0123", Secret: "secret"},
		Client:     client,
		Sink:       sink,
		Progress:   events,
		Settings: Settings{
			Prompt:        "courier on a scooter",
			Width:         1024,
			Height:        1024,
			Quota:         quota,
			PollAttempts:  20,
			PollDelay:     5 * time.Second,
			ErrorCooldown: testCooldown,
		},
		Clock:   clock,
		Logger:  zerolog.Nop(),
		Metrics: metrics.NewCollector("test"),
	})
}

func TestWorkerProducesQuota(t *testing.T) {
	client := &stubClient{}
	sink := &fakeSink{}
	events := &eventRecorder{}
	w := newTestWorker(client, sink, events, &instantClock{}, 3)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.Produced() != 3 || sink.count() != 3 || len(events.events) != 3 {
		t.Fatalf("produced=%d saved=%d events=%d, want 3 each", w.Produced(), sink.count(), len(events.events))
	}
	for i, ev := range events.events {
		if ev.Sequence != i+1 || ev.Total != 3 || ev.CredentialPrefix != "ABCDEF" {
			t.Fatalf("event %d = %+v", i, ev)
		}
	}
	if client.closeCalls != 1 {
		t.Fatalf("close calls = %d, want 1", client.closeCalls)
	}
	if w.State() != StateDone {
		t.Fatalf("state = %s, want DONE", w.State())
	}
	if p := client.lastParams; p.NumImages != 1 || p.Width != 1024 || p.Prompt != "courier on a scooter" {
		t.Fatalf("unexpected params: %+v", p)
	}
}

func TestWorkerRetriesMissingJobIDWithoutCooldown(t *testing.T) {
	client := &stubClient{submits: []submitResult{{err: errNoJobID}, {err: errNoJobID}}}
	sink := &fakeSink{}
	events := &eventRecorder{}
	clock := &instantClock{}
	w := newTestWorker(client, sink, events, clock, 1)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.submitCalls != 3 {
		t.Fatalf("submit calls = %d, want 3", client.submitCalls)
	}
	if client.pollCalls != 1 {
		t.Fatalf("poll calls = %d, want 1", client.pollCalls)
	}
	if w.Produced() != 1 || len(events.events) != 1 {
		t.Fatalf("produced=%d events=%d, want 1", w.Produced(), len(events.events))
	}
	if clock.sleepCount() != 0 {
		t.Fatalf("missing job id must not trigger a cooldown, slept %v", clock.sleeps)
	}
}

func TestWorkerResubmitsAfterPollTimeout(t *testing.T) {
	client := &stubClient{polls: []pollResult{{done: false}}}
	sink := &fakeSink{}
	events := &eventRecorder{}
	clock := &instantClock{}
	w := newTestWorker(client, sink, events, clock, 1)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.submitCalls != 2 {
		t.Fatalf("submit calls = %d, want 2 (one wasted)", client.submitCalls)
	}
	if w.Produced() != 1 || sink.count() != 1 || len(events.events) != 1 {
		t.Fatalf("produced=%d saved=%d events=%d, want 1", w.Produced(), sink.count(), len(events.events))
	}
	if clock.sleepCount() != 0 {
		t.Fatalf("poll timeout must not trigger a cooldown")
	}
}

func TestWorkerTreatsDoneWithoutImagesAsTimeout(t *testing.T) {
	client := &stubClient{polls: []pollResult{{done: true}}}
	w := newTestWorker(client, &fakeSink{}, &eventRecorder{}, &instantClock{}, 1)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.submitCalls != 2 || w.Produced() != 1 {
		t.Fatalf("submits=%d produced=%d", client.submitCalls, w.Produced())
	}
}

func TestWorkerFatalStartupClosesClient(t *testing.T) {
	client := &stubClient{modelErr: domain.NewAPIError(domain.KindNoModelAvailable, "fusionbrain: models", nil)}
	w := newTestWorker(client, &fakeSink{}, &eventRecorder{}, &instantClock{}, 5)

	err := w.Run(context.Background())
	var startupErr *domain.FatalStartupError
	if !errors.As(err, &startupErr) {
		t.Fatalf("err = %v, want FatalStartupError", err)
	}
	if !errors.Is(err, domain.ErrNoModelAvailable) {
		t.Fatalf("startup error should wrap the cause: %v", err)
	}
	if client.submitCalls != 0 {
		t.Fatalf("no submissions expected after startup failure")
	}
	if client.closeCalls != 1 {
		t.Fatalf("close calls = %d, want 1", client.closeCalls)
	}
}

func TestWorkerCoolsDownOnError(t *testing.T) {
	client := &stubClient{polls: []pollResult{{err: errTransport}}}
	sink := &fakeSink{}
	clock := &instantClock{}
	w := newTestWorker(client, sink, &eventRecorder{}, clock, 2)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != testCooldown {
		t.Fatalf("sleeps = %v, want one %s cooldown", clock.sleeps, testCooldown)
	}
	if w.Produced() != 2 || client.submitCalls != 3 {
		t.Fatalf("produced=%d submits=%d", w.Produced(), client.submitCalls)
	}
}

func TestWorkerSaveFailureIsRetried(t *testing.T) {
	client := &stubClient{}
	sink := &fakeSink{errs: []error{errors.New("disk full")}}
	events := &eventRecorder{}
	clock := &instantClock{}
	w := newTestWorker(client, sink, events, clock, 1)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.Produced() != 1 || sink.count() != 1 || len(events.events) != 1 {
		t.Fatalf("produced=%d saved=%d events=%d", w.Produced(), sink.count(), len(events.events))
	}
	if clock.sleepCount() != 1 {
		t.Fatalf("save failure should cool down once, slept %d", clock.sleepCount())
	}
}

func TestWorkerGivesUpAfterConsecutiveErrors(t *testing.T) {
	client := &stubClient{pollErr: errTransport}
	clock := &instantClock{}
	w := newTestWorker(client, &fakeSink{}, &eventRecorder{}, clock, 1)
	w.settings.MaxConsecutiveErrors = 3

	err := w.Run(context.Background())
	if err == nil {
		t.Fatalf("expected worker to give up")
	}
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v, want wrapped transport error", err)
	}
	var startupErr *domain.FatalStartupError
	if errors.As(err, &startupErr) {
		t.Fatalf("giving up is not a startup failure")
	}
	if client.submitCalls != 3 || clock.sleepCount() != 2 {
		t.Fatalf("submits=%d sleeps=%d, want 3 and 2", client.submitCalls, clock.sleepCount())
	}
	if client.closeCalls != 1 {
		t.Fatalf("close calls = %d, want 1", client.closeCalls)
	}
}

func TestWorkerStopsWhenCancelledDuringCooldown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &stubClient{pollErr: errTransport}
	clock := &instantClock{onSleep: cancel}
	w := newTestWorker(client, &fakeSink{}, &eventRecorder{}, clock, 10)

	err := w.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if w.Produced() != 0 {
		t.Fatalf("produced = %d, want 0", w.Produced())
	}
	if client.closeCalls != 1 {
		t.Fatalf("client must be closed on cancellation")
	}
}

func TestProperty_ProducedNeverExceedsQuota(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		quota := rapid.IntRange(0, 6).Draw(rt, "quota")
		steps := rapid.SliceOfN(rapid.IntRange(0, 4), 0, 20).Draw(rt, "outcomes")

		client := &stubClient{}
		sink := &fakeSink{}
		for _, step := range steps {
			switch step {
			case 0: // success
				client.submits = append(client.submits, submitResult{jobID: "ok"})
				client.polls = append(client.polls, pollResult{images: [][]byte{{1}}, done: true})
				sink.errs = append(sink.errs, nil)
			case 1: // no job id
				client.submits = append(client.submits, submitResult{err: errNoJobID})
			case 2: // poll timeout
				client.submits = append(client.submits, submitResult{jobID: "slow"})
				client.polls = append(client.polls, pollResult{})
			case 3: // poll error
				client.submits = append(client.submits, submitResult{jobID: "bad"})
				client.polls = append(client.polls, pollResult{err: errTransport})
			case 4: // save error
				client.submits = append(client.submits, submitResult{jobID: "unsaved"})
				client.polls = append(client.polls, pollResult{images: [][]byte{{1}}, done: true})
				sink.errs = append(sink.errs, errors.New("disk full"))
			}
		}
		events := &eventRecorder{}
		w := newTestWorker(client, sink, events, &instantClock{}, quota)

		require.NoError(rt, w.Run(context.Background()))
		require.Equal(rt, quota, w.Produced())
		require.Equal(rt, quota, sink.count())
		require.Len(rt, events.events, quota)
		for i, ev := range events.events {
			require.Equal(rt, i+1, ev.Sequence, "sequence numbers must increase one by one")
			require.LessOrEqual(rt, ev.Sequence, quota)
		}
	})
}

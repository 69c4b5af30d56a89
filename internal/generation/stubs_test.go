package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fusiongen/internal/domain"
)

type submitResult struct {
	jobID string
	err   error
}

type pollResult struct {
	images [][]byte
	done   bool
	err    error
}

// stubClient replays queued results, then succeeds.
type stubClient struct {
	mu       sync.Mutex
	modelErr error
	submits  []submitResult
	polls    []pollResult
	pollErr  error

	submitCalls int
	pollCalls   int
	closeCalls  int
	lastParams  domain.GenerationParams
}

func (s *stubClient) ResolveModel(ctx context.Context) (string, error) {
	if s.modelErr != nil {
		return "", s.modelErr
	}
	return "4", ctx.Err()
}

func (s *stubClient) SubmitGeneration(ctx context.Context, modelID string, params domain.GenerationParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitCalls++
	s.lastParams = params
	if len(s.submits) > 0 {
		next := s.submits[0]
		s.submits = s.submits[1:]
		return next.jobID, next.err
	}
	return fmt.Sprintf("job-%d", s.submitCalls), nil
}

func (s *stubClient) PollUntilDone(ctx context.Context, jobID string, maxAttempts int, delay time.Duration) ([][]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollCalls++
	if s.pollErr != nil {
		return nil, false, s.pollErr
	}
	if len(s.polls) > 0 {
		next := s.polls[0]
		s.polls = s.polls[1:]
		return next.images, next.done, next.err
	}
	return [][]byte{[]byte("image:" + jobID)}, true, nil
}

func (s *stubClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

type fakeSink struct {
	mu    sync.Mutex
	saved []domain.GeneratedImage
	errs  []error
}

func (s *fakeSink) Save(ctx context.Context, img domain.GeneratedImage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	s.saved = append(s.saved, img)
	return fmt.Sprintf("image_%s_%d.jpg", img.CredentialPrefix, img.Sequence), nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.CompletionEvent
}

func (r *eventRecorder) Observe(ev domain.CompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// instantClock never blocks; it records every requested sleep.
type instantClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func()
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

func (c *instantClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

var (
	errNoJobID   = domain.NewAPIError(domain.KindSubmissionFailed, "fusionbrain: submit", errors.New("response has no uuid"))
	errTransport = domain.NewAPIError(domain.KindTransport, "fusionbrain: status", errors.New("status 502: bad gateway"))
)

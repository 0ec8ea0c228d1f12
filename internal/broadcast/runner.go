// Package broadcast runs resumable broadcast queues: jobs execute strictly
// one after another and progress is persisted around every job so a restart
// continues where the previous process stopped.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/rs/zerolog"

	"operator-autopilot/internal/api"
	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/config"
	"operator-autopilot/internal/models"
	"operator-autopilot/internal/storage"
)

// ErrEmptyQueue is returned when starting with no jobs
var ErrEmptyQueue = apperr.New(apperr.CodeConfiguration, "broadcast queue is empty")

// ErrAlreadyRunning is returned when a queue already runs somewhere
var ErrAlreadyRunning = apperr.New(apperr.CodeLockContention, "a broadcast is already running")

// API is the subset of the site client the runner needs
type API interface {
	ListProfiles(ctx context.Context) ([]models.Profile, error)
	ListChats(ctx context.Context, userID models.ExternalID, page, limit int, chatType string) ([]api.ChatThread, error)
	LastMessages(ctx context.Context, chatUIDs []string) ([]api.LastMessage, error)
	SendText(ctx context.Context, target models.ChatTarget, text string) error
	SendLetter(ctx context.Context, req api.SendLetterRequest) error
}

// StateStore persists the queue state
type StateStore interface {
	Get(ctx context.Context, field string, out any) (bool, error)
	Set(ctx context.Context, field string, v any) error
}

// Locks is the cross-process lease store
type Locks interface {
	TryAcquire(ctx context.Context, operation, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, operation, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, operation, owner string) error
}

// Counters increments stats
type Counters interface {
	Increment(ctx context.Context, counter models.Counter) error
}

// Notifier emits the completion notification
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Profiles provides broadcast texts and the profile cache
type Profiles interface {
	ListConfigs(ctx context.Context) ([]*models.AutoReplyConfig, error)
	CacheProfiles(ctx context.Context, profiles []models.Profile) error
}

// Deps are the runner's collaborators
type Deps struct {
	API      API
	State    StateStore
	Locks    Locks
	Counters Counters
	Notifier Notifier
	Profiles Profiles
}

// Runner executes broadcast queues
type Runner struct {
	cfg    config.BroadcastConfig
	deps   Deps
	owner  string
	logger zerolog.Logger

	mu      sync.Mutex
	running bool

	persistDelay time.Duration
	now          func() time.Time
}

// NewRunner creates a runner. owner identifies this process in lock records.
func NewRunner(cfg config.BroadcastConfig, deps Deps, owner string, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:          cfg,
		deps:         deps,
		owner:        owner,
		logger:       logger.With().Str("component", "broadcast").Logger(),
		persistDelay: 200 * time.Millisecond,
		now:          time.Now,
	}
}

// Start persists a new queue and runs it in the background. The returned
// channel delivers the final result once and is then closed.
func (r *Runner) Start(ctx context.Context, jobs []models.BroadcastJob) (<-chan models.QueueResult, error) {
	if len(jobs) == 0 {
		return nil, ErrEmptyQueue
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}

	results, err := r.startLocked(ctx, jobs)
	if err != nil {
		r.release()
	}
	return results, err
}

// StartAll broadcasts to every profile with a configured broadcast text of
// the given kind. Nothing is enqueued when another broadcast holds the lock.
func (r *Runner) StartAll(ctx context.Context, kind models.JobKind) (<-chan models.QueueResult, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}

	jobs, err := r.buildAllJobs(ctx, kind)
	if err == nil && len(jobs) == 0 {
		err = apperr.Newf(apperr.CodeConfiguration, "no profile has a %s broadcast text configured", kind)
	}
	if err != nil {
		r.release()
		return nil, err
	}

	results, err := r.startLocked(ctx, jobs)
	if err != nil {
		r.release()
	}
	return results, err
}

// ResumeIfNeeded continues a persisted running queue at its saved index. It
// reports false when there is nothing to resume or another process runs it.
func (r *Runner) ResumeIfNeeded(ctx context.Context) (<-chan models.QueueResult, bool, error) {
	state, err := r.State(ctx)
	if err != nil {
		return nil, false, err
	}
	if !state.Resumable() {
		return nil, false, nil
	}

	if err := r.acquire(ctx); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			r.logger.Info().Msg("Queue is being run by another process")
			return nil, false, nil
		}
		return nil, false, err
	}

	r.logger.Info().
		Int("index", state.Index).
		Int("jobs", len(state.Queue)).
		Msg("Resuming broadcast queue")

	out := make(chan models.QueueResult, 1)
	go r.loop(ctx, state, out)
	return out, true, nil
}

// State returns the persisted queue state
func (r *Runner) State(ctx context.Context) (models.BroadcastQueueState, error) {
	var state models.BroadcastQueueState
	if _, err := r.deps.State.Get(ctx, storage.FieldQueueState, &state); err != nil {
		return models.BroadcastQueueState{}, err
	}
	return state, nil
}

// Running reports whether this process is running a queue
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) acquire(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	ok, err := r.deps.Locks.TryAcquire(ctx, models.LockBroadcast, r.owner, r.cfg.LockTTL)
	if err != nil || !ok {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to acquire broadcast lock: %w", err)
		}
		return ErrAlreadyRunning
	}
	return nil
}

func (r *Runner) release() {
	if err := r.deps.Locks.Release(context.Background(), models.LockBroadcast, r.owner); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to release broadcast lock")
	}
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *Runner) startLocked(ctx context.Context, jobs []models.BroadcastJob) (<-chan models.QueueResult, error) {
	now := r.now()
	state := models.BroadcastQueueState{
		Status:    models.QueueRunning,
		Index:     0,
		Queue:     jobs,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := r.persist(ctx, &state); err != nil {
		return nil, fmt.Errorf("failed to save broadcast queue: %w", err)
	}

	r.logger.Info().Int("jobs", len(jobs)).Msg("Broadcast queue started")

	out := make(chan models.QueueResult, 1)
	go r.loop(ctx, state, out)
	return out, nil
}

// loop runs jobs from state.Index to the end. Only persistence failures
// stop it early.
func (r *Runner) loop(ctx context.Context, state models.BroadcastQueueState, out chan<- models.QueueResult) {
	defer close(out)
	defer r.release()

	for state.Index < len(state.Queue) {
		if err := ctx.Err(); err != nil {
			r.logger.Warn().Int("index", state.Index).Msg("Broadcast interrupted, queue left resumable")
			out <- r.result(state, err)
			return
		}

		job := state.Queue[state.Index]
		state.CurrentProfile = job.ProfileName
		if state.CurrentProfile == "" {
			state.CurrentProfile = job.ExternalID.String()
		}
		if err := r.persist(ctx, &state); err != nil {
			r.fail(ctx, state, err, out)
			return
		}

		res := r.runJob(ctx, job)
		if ctx.Err() != nil {
			// The job's outcome is unknown; it runs again on resume
			continue
		}

		state.Results = append(state.Results, res)
		state.Index++
		if err := r.persist(ctx, &state); err != nil {
			r.fail(ctx, state, err, out)
			return
		}

		if _, err := r.deps.Locks.Renew(ctx, models.LockBroadcast, r.owner, r.cfg.LockTTL); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to renew broadcast lock")
		}
	}

	finished := r.now()
	state.Status = models.QueueFinished
	state.CurrentProfile = ""
	state.FinishedAt = &finished
	var err error
	if perr := r.persist(ctx, &state); perr != nil {
		err = fmt.Errorf("failed to save finished queue: %w", perr)
		r.logger.Error().Err(perr).Msg("Failed to mark queue finished")
	}

	res := r.result(state, err)
	r.logger.Info().
		Int("jobs", res.Jobs).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Msg("Broadcast queue finished")
	r.notifyDone(ctx, res)
	out <- res
}

// fail marks the queue finished with an error after a persistence failure
func (r *Runner) fail(ctx context.Context, state models.BroadcastQueueState, cause error, out chan<- models.QueueResult) {
	r.logger.Error().Err(cause).Int("index", state.Index).Msg("Broadcast queue aborted")

	finished := r.now()
	state.Status = models.QueueFinished
	state.Error = cause.Error()
	state.FinishedAt = &finished
	state.UpdatedAt = finished
	if err := r.deps.State.Set(context.WithoutCancel(ctx), storage.FieldQueueState, state); err != nil {
		r.logger.Error().Err(err).Msg("Failed to record queue failure")
	}

	res := r.result(state, cause)
	r.notifyDone(ctx, res)
	out <- res
}

func (r *Runner) persist(ctx context.Context, state *models.BroadcastQueueState) error {
	state.UpdatedAt = r.now()
	attempts := r.cfg.PersistAttempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.New(
		retry.Attempts(uint(attempts)),
		retry.Delay(r.persistDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		return r.deps.State.Set(ctx, storage.FieldQueueState, state)
	})
}

func (r *Runner) result(state models.BroadcastQueueState, err error) models.QueueResult {
	sent, failed := models.Totals(state.Results)
	return models.QueueResult{
		Jobs:   len(state.Queue),
		Sent:   sent,
		Failed: failed,
		Result: state.Results,
		Err:    err,
	}
}

func (r *Runner) notifyDone(ctx context.Context, res models.QueueResult) {
	if r.deps.Notifier == nil {
		return
	}
	body := fmt.Sprintf("%d jobs: %d sent, %d failed", res.Jobs, res.Sent, res.Failed)
	if res.Err != nil {
		body += " (" + res.Err.Error() + ")"
	}
	r.deps.Notifier.Notify(context.WithoutCancel(ctx), models.Notification{
		Title: "Broadcast completed",
		Body:  body,
		Type:  models.NotificationBroadcast,
		Options: models.NotificationOptions{
			RequireInteraction: true,
			Priority:           models.PriorityNormal,
		},
	})
}

// buildAllJobs refreshes the profile list and creates one job per profile
// whose config has a broadcast text for kind
func (r *Runner) buildAllJobs(ctx context.Context, kind models.JobKind) ([]models.BroadcastJob, error) {
	profiles, err := r.deps.API.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	if err := r.deps.Profiles.CacheProfiles(ctx, profiles); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to cache profile list")
	}

	configs, err := r.deps.Profiles.ListConfigs(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[models.ExternalID]*models.AutoReplyConfig, len(configs))
	for _, c := range configs {
		byID[c.ProfileExternalID] = c
	}

	var jobs []models.BroadcastJob
	for _, p := range profiles {
		cfg, ok := byID[p.ExternalID]
		if !ok {
			continue
		}
		text := cfg.BroadcastMessage
		if kind == models.JobLetter {
			text = cfg.BroadcastLetter
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		jobs = append(jobs, models.BroadcastJob{
			ExternalID:  p.ExternalID,
			ProfileName: p.Name,
			Message:     text,
			Kind:        kind,
		})
	}
	return jobs, nil
}

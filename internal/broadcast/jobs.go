package broadcast

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
	lop "github.com/samber/lo/parallel"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"operator-autopilot/internal/api"
	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/models"
)

// JobFile is the YAML layout accepted by LoadJobs
type JobFile struct {
	Jobs []models.BroadcastJob `yaml:"jobs"`
}

// LoadJobs reads a broadcast job list from a YAML file. Jobs without a kind
// default to chat.
func LoadJobs(path string) ([]models.BroadcastJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var file JobFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	for i := range file.Jobs {
		job := &file.Jobs[i]
		if job.ExternalID.IsZero() {
			return nil, apperr.Newf(apperr.CodeConfiguration, "job %d has no external_id", i+1)
		}
		if job.Kind == "" {
			job.Kind = models.JobChat
		}
		kind, err := models.ParseJobKind(string(job.Kind))
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeConfiguration, err, fmt.Sprintf("job %d", i+1))
		}
		job.Kind = kind
	}
	return file.Jobs, nil
}

func (r *Runner) runJob(ctx context.Context, job models.BroadcastJob) models.JobResult {
	logger := r.logger.With().
		Str("profile", job.ExternalID.String()).
		Str("kind", string(job.Kind)).
		Logger()

	var res models.JobResult
	if job.Kind == models.JobLetter {
		res = r.runLetterJob(ctx, job)
	} else {
		res = r.runChatJob(ctx, job)
	}
	res.ExternalID = job.ExternalID
	res.Kind = job.Kind

	ev := logger.Info()
	if res.Error != "" {
		ev = logger.Warn().Str("error", res.Error)
	}
	ev.Int("targets", res.Targets).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Bool("skipped", res.Skipped).
		Msg("Broadcast job done")
	return res
}

// runChatJob sends the message to every counterparty of the profile's chat
// threads. Sends run in parallel; each failure is counted, never fatal.
func (r *Runner) runChatJob(ctx context.Context, job models.BroadcastJob) models.JobResult {
	if strings.TrimSpace(job.Message) == "" {
		return models.JobResult{Skipped: true, Error: "empty message"}
	}

	targets, err := r.discoverTargets(ctx, job.ExternalID, r.cfg.ChatPageSize)
	if err != nil {
		return models.JobResult{Failed: 1, Error: err.Error()}
	}

	errs := lop.Map(targets, func(target models.ChatTarget, _ int) error {
		if err := r.deps.API.SendText(ctx, target, job.Message); err != nil {
			return err
		}
		if r.deps.Counters != nil {
			if err := r.deps.Counters.Increment(ctx, models.CounterSuccessfulChatSends); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to count chat send")
			}
		}
		return nil
	})

	res := models.JobResult{Targets: len(targets)}
	for i, err := range errs {
		if err != nil {
			res.Failed++
			r.logger.Debug().Err(err).Str("target", targets[i].String()).Msg("Chat send failed")
			continue
		}
		res.Sent++
	}
	return res
}

// runLetterJob sends one letter addressed to every counterparty. The job
// succeeds or fails as a whole.
func (r *Runner) runLetterJob(ctx context.Context, job models.BroadcastJob) models.JobResult {
	if n := utf8.RuneCountInString(strings.TrimSpace(job.Message)); n < r.cfg.MinLetterLength {
		return models.JobResult{
			Skipped: true,
			Error:   fmt.Sprintf("letter has %d characters, at least %d required", n, r.cfg.MinLetterLength),
		}
	}

	targets, err := r.discoverTargets(ctx, job.ExternalID, r.cfg.LetterPageSize)
	if err != nil {
		return models.JobResult{Failed: 1, Error: err.Error()}
	}

	recipients := lo.Uniq(lo.Map(targets, func(t models.ChatTarget, _ int) models.ExternalID {
		return t.CounterpartyID
	}))
	res := models.JobResult{Targets: len(recipients)}
	if len(recipients) == 0 {
		return res
	}

	err = r.deps.API.SendLetter(ctx, api.SendLetterRequest{
		SenderID:   job.ExternalID,
		Recipients: recipients,
		Content:    job.Message,
	})
	if err != nil {
		res.Failed = 1
		res.Error = err.Error()
		return res
	}
	res.Sent = 1
	return res
}

// discoverTargets pages through the profile's chats and resolves each
// thread's counterparty from its last message
func (r *Runner) discoverTargets(ctx context.Context, profile models.ExternalID, pageSize int) ([]models.ChatTarget, error) {
	var chatUIDs []string
	for page := 1; page <= r.cfg.MaxChatPages; page++ {
		threads, err := r.deps.API.ListChats(ctx, profile, page, pageSize, "")
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("failed to list chats: %w", err)
			}
			r.logger.Warn().Err(err).Int("page", page).Msg("Stopped chat discovery early")
			break
		}
		for _, t := range threads {
			if t.ChatUID != "" {
				chatUIDs = append(chatUIDs, t.ChatUID)
			}
		}
		if len(threads) < pageSize {
			break
		}
	}

	chatUIDs = lo.Uniq(chatUIDs)
	if len(chatUIDs) == 0 {
		return nil, nil
	}

	chunkSize := r.cfg.LastMessageChunk
	if chunkSize < 1 {
		chunkSize = 50
	}
	chunks := lo.Chunk(chatUIDs, chunkSize)
	found := make([][]api.LastMessage, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.LastMessageConcurrency > 0 {
		g.SetLimit(r.cfg.LastMessageConcurrency)
	}
	for i, chunk := range chunks {
		g.Go(func() error {
			msgs, err := r.deps.API.LastMessages(gctx, chunk)
			if err != nil {
				return fmt.Errorf("failed to fetch last messages: %w", err)
			}
			found[i] = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	targets := lo.FilterMap(lo.Flatten(found), func(m api.LastMessage, _ int) (models.ChatTarget, bool) {
		return m.TargetFor(profile)
	})
	return lo.Uniq(targets), nil
}

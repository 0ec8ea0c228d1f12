// Package control exposes the operator-facing operations: a typed request
// bus with one handler per request type, and a local HTTP API on top of it.
package control

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/models"
	"operator-autopilot/internal/stream"
)

// Result is the envelope every user-initiated operation reports
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Fail wraps err in a failed result
func Fail(err error) Result {
	return Result{OK: false, Error: err.Error(), Code: string(apperr.CodeOf(err))}
}

// Requests handled by the bus
type (
	GetStatus       struct{}
	GetAutoReply    struct{ ProfileID models.ExternalID }
	SaveAutoReply   struct{ Config *models.AutoReplyConfig }
	DeleteAutoReply struct{ ProfileID models.ExternalID }
	StartBroadcast  struct{ Jobs []models.BroadcastJob }
	StartAll        struct{ Kind models.JobKind }
	GetBroadcast    struct{}
	SetMonitoring   struct{ Enabled bool }
	ResetStats      struct{}
	ListNotices     struct{ Limit int }
	SetName         struct {
		ExternalID models.ExternalID
		Name       string
	}
)

// StatusReport answers GetStatus
type StatusReport struct {
	Monitoring models.MonitoringStatus    `json:"monitoring"`
	Session    stream.SessionInfo         `json:"session"`
	Stats      *models.Stats              `json:"stats"`
	Broadcast  models.BroadcastQueueState `json:"broadcast"`
}

// Monitor controls the event stream
type Monitor interface {
	Status(ctx context.Context) (models.MonitoringStatus, error)
	SetMonitoring(ctx context.Context, enabled bool) error
	Info() stream.SessionInfo
}

// Broadcaster starts and reports broadcast queues
type Broadcaster interface {
	Start(ctx context.Context, jobs []models.BroadcastJob) (<-chan models.QueueResult, error)
	StartAll(ctx context.Context, kind models.JobKind) (<-chan models.QueueResult, error)
	State(ctx context.Context) (models.BroadcastQueueState, error)
}

// Configs stores auto-reply configs and name overrides
type Configs interface {
	GetConfig(ctx context.Context, id models.ExternalID) (*models.AutoReplyConfig, error)
	SaveConfig(ctx context.Context, cfg *models.AutoReplyConfig) error
	DeleteConfig(ctx context.Context, id models.ExternalID) error
	SetNameOverride(ctx context.Context, id models.ExternalID, name string) error
}

// Stats reads and resets counters
type Stats interface {
	Get(ctx context.Context) (*models.Stats, error)
	Reset(ctx context.Context) error
}

// Notices lists notification history
type Notices interface {
	Recent(ctx context.Context, limit int) ([]*models.Notification, error)
}

// Deps are the services behind the bus
type Deps struct {
	Monitor     Monitor
	Broadcaster Broadcaster
	Configs     Configs
	Stats       Stats
	Notices     Notices
}

type handlerFunc func(ctx context.Context, req any) (any, error)

// Bus routes each request type to exactly one handler
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]handlerFunc
	logger   zerolog.Logger
}

// NewBus creates an empty bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[reflect.Type]handlerFunc),
		logger:   logger.With().Str("component", "bus").Logger(),
	}
}

// Handle registers fn for requests of type Req, replacing any earlier handler
func Handle[Req, Resp any](b *Bus, fn func(ctx context.Context, req Req) (Resp, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[reflect.TypeFor[Req]()] = func(ctx context.Context, req any) (any, error) {
		return fn(ctx, req.(Req))
	}
}

// Dispatch runs the handler for req's type
func (b *Bus) Dispatch(ctx context.Context, req any) Result {
	t := reflect.TypeOf(req)
	b.mu.RLock()
	h, ok := b.handlers[t]
	b.mu.RUnlock()
	if !ok {
		return Fail(apperr.Newf(apperr.CodeConfiguration, "no handler for %v", t))
	}

	data, err := h(ctx, req)
	if err != nil {
		b.logger.Warn().Err(err).Str("request", t.Name()).Msg("Request failed")
		return Fail(err)
	}
	return Result{OK: true, Data: data}
}

// Call dispatches req and decodes the typed response
func Call[Resp any](ctx context.Context, b *Bus, req any) (Resp, error) {
	var zero Resp
	res := b.Dispatch(ctx, req)
	if !res.OK {
		return zero, fmt.Errorf("%s", res.Error)
	}
	if res.Data == nil {
		return zero, nil
	}
	out, ok := res.Data.(Resp)
	if !ok {
		return zero, fmt.Errorf("unexpected response type %T", res.Data)
	}
	return out, nil
}

// Register installs the standard handlers. Queues started through the bus
// run under background, not under the request's context.
func Register(background context.Context, b *Bus, deps Deps) {
	logger := b.logger

	Handle(b, func(ctx context.Context, _ GetStatus) (StatusReport, error) {
		var report StatusReport
		var err error
		if report.Monitoring, err = deps.Monitor.Status(ctx); err != nil {
			return report, err
		}
		report.Session = deps.Monitor.Info()
		if report.Stats, err = deps.Stats.Get(ctx); err != nil {
			return report, err
		}
		if report.Broadcast, err = deps.Broadcaster.State(ctx); err != nil {
			return report, err
		}
		return report, nil
	})

	Handle(b, func(ctx context.Context, req GetAutoReply) (*models.AutoReplyConfig, error) {
		cfg, err := deps.Configs.GetConfig(ctx, req.ProfileID)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			return nil, apperr.Newf(apperr.CodeConfiguration, "no auto-reply config for %s", req.ProfileID)
		}
		return cfg, nil
	})

	Handle(b, func(ctx context.Context, req SaveAutoReply) (*models.AutoReplyConfig, error) {
		if req.Config == nil || req.Config.ProfileExternalID.IsZero() {
			return nil, apperr.New(apperr.CodeConfiguration, "config needs a profile id")
		}
		if err := deps.Configs.SaveConfig(ctx, req.Config); err != nil {
			return nil, err
		}
		return req.Config, nil
	})

	Handle(b, func(ctx context.Context, req DeleteAutoReply) (any, error) {
		return nil, deps.Configs.DeleteConfig(ctx, req.ProfileID)
	})

	Handle(b, func(ctx context.Context, req StartBroadcast) (models.BroadcastQueueState, error) {
		results, err := deps.Broadcaster.Start(background, req.Jobs)
		if err != nil {
			return models.BroadcastQueueState{}, err
		}
		go drain(logger, results)
		return deps.Broadcaster.State(ctx)
	})

	Handle(b, func(ctx context.Context, req StartAll) (models.BroadcastQueueState, error) {
		kind, err := models.ParseJobKind(string(req.Kind))
		if err != nil {
			return models.BroadcastQueueState{}, apperr.Wrap(apperr.CodeConfiguration, err, "invalid broadcast kind")
		}
		results, err := deps.Broadcaster.StartAll(background, kind)
		if err != nil {
			return models.BroadcastQueueState{}, err
		}
		go drain(logger, results)
		return deps.Broadcaster.State(ctx)
	})

	Handle(b, func(ctx context.Context, _ GetBroadcast) (models.BroadcastQueueState, error) {
		return deps.Broadcaster.State(ctx)
	})

	Handle(b, func(ctx context.Context, req SetMonitoring) (models.MonitoringStatus, error) {
		if err := deps.Monitor.SetMonitoring(background, req.Enabled); err != nil {
			return models.MonitoringDisabled, err
		}
		return deps.Monitor.Status(ctx)
	})

	Handle(b, func(ctx context.Context, _ ResetStats) (*models.Stats, error) {
		if err := deps.Stats.Reset(ctx); err != nil {
			return nil, err
		}
		return deps.Stats.Get(ctx)
	})

	Handle(b, func(ctx context.Context, req ListNotices) ([]*models.Notification, error) {
		limit := req.Limit
		if limit <= 0 {
			limit = 100
		}
		return deps.Notices.Recent(ctx, limit)
	})

	Handle(b, func(ctx context.Context, req SetName) (any, error) {
		if req.ExternalID.IsZero() {
			return nil, apperr.New(apperr.CodeConfiguration, "name override needs an external id")
		}
		return nil, deps.Configs.SetNameOverride(ctx, req.ExternalID, req.Name)
	})
}

// drain logs the final result of a queue started through the bus
func drain(logger zerolog.Logger, results <-chan models.QueueResult) {
	for res := range results {
		ev := logger.Info()
		if res.Err != nil {
			ev = logger.Warn().Err(res.Err)
		}
		ev.Int("jobs", res.Jobs).Int("sent", res.Sent).Int("failed", res.Failed).Msg("Broadcast finished")
	}
}

package webhook

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/metrics"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/syncq"
	"github.com/p-blackswan/trackersync/internal/tracker"
	"github.com/p-blackswan/trackersync/lru"
)

const (
	ownerCacheSize = 4096
	ownerCacheTTL  = time.Hour
	lookupTimeout  = 10 * time.Second
)

// Projects resolves tracker lists to tracked projects.
type Projects interface {
	Project(id string) (models.Project, bool)
	ProjectForList(listID string) (models.Project, bool)
}

// Enqueuer accepts sync tasks.
type Enqueuer interface {
	Enqueue(t syncq.Task) bool
}

// EventSink receives every accepted event, typically the rule engine.
type EventSink interface {
	OnEvent(ctx context.Context, ev models.WebhookEvent)
}

// Receiver verifies, parses and dispatches webhook deliveries.
type Receiver struct {
	secret   []byte
	tracker  tracker.API
	projects Projects
	queue    Enqueuer
	sink     EventSink
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	// task id -> list id
	owners *lru.Cache[string, string]
}

// Config wires a Receiver.
type Config struct {
	Secret   string
	Tracker  tracker.API
	Projects Projects
	Queue    Enqueuer
	Sink     EventSink // optional
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// NewReceiver creates a Receiver.
func NewReceiver(cfg Config) *Receiver {
	return &Receiver{
		secret:   []byte(cfg.Secret),
		tracker:  cfg.Tracker,
		projects: cfg.Projects,
		queue:    cfg.Queue,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "webhook").Logger(),
		now:      time.Now,
		owners:   lru.New[string, string](ownerCacheSize, lru.WithTTL[string, string](ownerCacheTTL)),
	}
}

// Handle verifies and dispatches one delivery. It returns once the resulting
// tasks are enqueued; processing happens elsewhere. A signature failure has no
// side effects.
func (r *Receiver) Handle(ctx context.Context, body []byte, signature string) (models.WebhookEvent, error) {
	if err := Verify(r.secret, body, signature); err != nil {
		r.logger.Warn().Err(err).Msg("Rejected webhook with invalid signature")
		r.metrics.RecordWebhook("unknown", "invalid_signature")
		return models.WebhookEvent{}, err
	}

	ev, err := Parse(body, r.now())
	if err != nil {
		r.logger.Warn().Err(err).Msg("Rejected malformed webhook")
		r.metrics.RecordWebhook("unknown", "malformed")
		return models.WebhookEvent{}, err
	}

	log := r.logger.With().
		Str("event_id", ev.ID).
		Str("event", ev.Name).
		Str("subject_id", ev.SubjectID).
		Logger()
	log.Info().Msg("Received webhook event")

	switch ev.Kind {
	case models.EventCreated, models.EventUpdated, models.EventDeleted:
		if ev.Kind == models.EventCreated {
			r.enqueue(log, syncq.Task{Type: syncq.TypeTaskAnalysis, TaskID: ev.SubjectID, Source: syncq.SourceWebhook})
		}
		if p, ok := r.owningProject(ctx, log, &ev); ok {
			ev.ProjectID = p.ID
			if p.AutoSyncEnabled {
				r.enqueue(log, syncq.Task{Type: syncq.TypeProjectSync, ProjectID: p.ID, Source: syncq.SourceWebhook})
			} else {
				log.Debug().Str("project_id", p.ID).Msg("Auto-sync disabled, not syncing")
			}
		}
		if ev.Kind == models.EventDeleted {
			r.owners.Delete(ev.SubjectID)
		}
	case models.EventComment:
		// Keyed by event id so repeated comments are each analyzed.
		r.enqueue(log, syncq.Task{Type: syncq.TypeTaskAnalysis, TaskID: ev.SubjectID, EventID: ev.ID, Source: syncq.SourceWebhook})
	default:
		log.Debug().Msg("Unhandled webhook event")
	}

	r.metrics.RecordWebhook(string(ev.Kind), "accepted")
	if r.sink != nil {
		r.sink.OnEvent(ctx, ev)
	}
	return ev, nil
}

// Forget drops cached ownership for every task of a project's lists.
func (r *Receiver) Forget(p models.Project) int {
	lists := make(map[string]bool, len(p.Lists()))
	for _, l := range p.Lists() {
		lists[l] = true
	}
	return r.owners.DeleteFunc(func(_ string, listID string) bool { return lists[listID] })
}

// owningProject resolves the tracked project of the event's task, trying the
// payload, the ownership cache and finally the tracker.
func (r *Receiver) owningProject(ctx context.Context, log zerolog.Logger, ev *models.WebhookEvent) (models.Project, bool) {
	if ev.ProjectID != "" {
		if p, ok := r.projects.Project(ev.ProjectID); ok {
			return p, true
		}
	}

	listID := ev.ListID
	if listID == "" {
		listID, _ = r.owners.Get(ev.SubjectID)
	}
	if listID == "" && ev.Kind != models.EventDeleted && r.tracker != nil {
		lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		task, err := r.tracker.GetTask(lctx, ev.SubjectID)
		cancel()
		switch {
		case err != nil && perrors.Is(err, perrors.ErrNotConfigured):
			log.Debug().Msg("Tracker not configured, cannot derive project")
		case err != nil:
			log.Warn().Err(err).Msg("Failed to derive owning project")
			r.metrics.RecordError("webhook", "project_lookup")
		default:
			listID = task.ListID
		}
	}
	if listID == "" {
		return models.Project{}, false
	}
	r.owners.Put(ev.SubjectID, listID)

	p, ok := r.projects.ProjectForList(listID)
	if !ok {
		log.Debug().Str("list_id", listID).Msg("Event is not for a tracked project")
	}
	return p, ok
}

func (r *Receiver) enqueue(log zerolog.Logger, t syncq.Task) {
	added := r.queue.Enqueue(t)
	log.Debug().
		Str("task_type", string(t.Type)).
		Str("target", t.Key().Target).
		Bool("absorbed", !added).
		Msg("Enqueued sync task")
}

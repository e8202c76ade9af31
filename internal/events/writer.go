package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"boardflow/internal/domain"
)

// ActorAutomation is recorded as the actor of events produced by rules.
const ActorAutomation = "automation"

type actorKey struct{}

// WithActor attaches the id of the caller responsible for the mutations made
// under ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext returns the actor set by WithActor.
func ActorFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(actorKey{}).(string)
	return id, ok && id != ""
}

// Writer persists domain events to the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
	Log *zap.Logger
}

type payload struct {
	Changes        domain.Fields        `json:"changes,omitempty"`
	PreviousValues domain.Fields        `json:"previous_values,omitempty"`
	Schedule       *domain.ScheduleFire `json:"schedule,omitempty"`
}

// EntityKind derives the entity kind from a dotted event type.
func EntityKind(t domain.EventType) string {
	kind, _, _ := strings.Cut(string(t), ".")
	return kind
}

// Append inserts evt on behalf of actorID. An automation-produced event is
// always attributed to ActorAutomation.
func (w Writer) Append(ctx context.Context, evt domain.DomainEvent, actorID string) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = now()
	}
	if evt.TriggeredByRule != "" {
		actorID = ActorAutomation
	}
	if actorID == "" {
		actorID = "local"
	}
	data, err := json.Marshal(payload{Changes: evt.Changes, PreviousValues: evt.PreviousValues, Schedule: evt.Schedule})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,triggered_by_rule,depth,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), string(evt.Type), nullable(evt.ProjectID), EntityKind(evt.Type), nullable(evt.EntityID),
		actorID, nullable(evt.TriggeredByRule), evt.Depth, string(data))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Subscriber returns a bus handler that appends every event it receives.
// actorID is used when the context carries no actor. Write failures are logged; the event log never blocks a mutation.
func (w Writer) Subscriber(actorID string) Handler {
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, evt domain.DomainEvent) {
		actor := actorID
		if id, ok := ActorFromContext(ctx); ok {
			actor = id
		}
		if err := w.Append(ctx, evt, actor); err != nil {
			log.Warn("event log append failed",
				zap.String("event_type", string(evt.Type)),
				zap.String("entity_id", evt.EntityID),
				zap.Error(err))
		}
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

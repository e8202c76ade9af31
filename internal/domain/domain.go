package domain

import "time"

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type Section struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// Task is a card on a project board. An empty SectionID means the card is
// not filed under any section; an empty ParentTaskID marks a top-level card.
type Task struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"project_id"`
	SectionID        string     `json:"section_id,omitempty"`
	ParentTaskID     string     `json:"parent_task_id,omitempty"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Completed        bool       `json:"completed"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" format:"date-time"`
	DueDate          *time.Time `json:"due_date,omitempty" format:"date-time"`
	Order            int        `json:"order"`
	SectionEnteredAt *time.Time `json:"section_entered_at,omitempty" format:"date-time"`
	CreatedByRule    string     `json:"created_by_rule,omitempty"`
	CreatedAt        time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time  `json:"updated_at" format:"date-time"`
}

// EventRecord is a persisted row of the event log.
type EventRecord struct {
	ID              int64  `json:"id"`
	TS              string `json:"ts" format:"date-time"`
	Type            string `json:"type"`
	ProjectID       string `json:"project_id,omitempty"`
	EntityKind      string `json:"entity_kind"`
	EntityID        string `json:"entity_id,omitempty"`
	ActorID         string `json:"actor_id"`
	TriggeredByRule string `json:"triggered_by_rule,omitempty"`
	Depth           int    `json:"depth"`
	Payload         string `json:"payload_json"`
}

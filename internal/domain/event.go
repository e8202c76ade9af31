package domain

import "time"

type EventType string

const (
	EventTaskCreated    EventType = "task.created"
	EventTaskUpdated    EventType = "task.updated"
	EventTaskDeleted    EventType = "task.deleted"
	EventSectionCreated EventType = "section.created"
	EventSectionUpdated EventType = "section.updated"
	EventSectionDeleted EventType = "section.deleted"
	EventScheduleFired  EventType = "schedule.fired"
)

// Project and rule lifecycle events go to the event log only; the automation
// engine never matches them.
const (
	EventProjectCreated EventType = "project.created"
	EventProjectUpdated EventType = "project.updated"
	EventProjectDeleted EventType = "project.deleted"
	EventRuleCreated    EventType = "rule.created"
	EventRuleUpdated    EventType = "rule.updated"
	EventRuleDeleted    EventType = "rule.deleted"
)

func (t EventType) IsTask() bool {
	return t == EventTaskCreated || t == EventTaskUpdated || t == EventTaskDeleted
}

func (t EventType) IsSection() bool {
	return t == EventSectionCreated || t == EventSectionUpdated || t == EventSectionDeleted
}

// DomainEvent announces one mutation. Depth is 0 for user-initiated changes
// and grows by one per automation hop.
type DomainEvent struct {
	Type            EventType     `json:"type"`
	EntityID        string        `json:"entity_id"`
	ProjectID       string        `json:"project_id"`
	Changes         Fields        `json:"changes,omitempty"`
	PreviousValues  Fields        `json:"previous_values,omitempty"`
	TriggeredByRule string        `json:"triggered_by_rule,omitempty"`
	Depth           int           `json:"depth"`
	Timestamp       time.Time     `json:"timestamp"`
	Schedule        *ScheduleFire `json:"schedule,omitempty"`
}

// ScheduleFire is the payload of a schedule.fired event. A nil TaskIDs means
// every task of the project is a candidate.
type ScheduleFire struct {
	RuleID        string        `json:"rule_id"`
	ExecutionType ExecutionType `json:"execution_type"`
	TaskIDs       []string      `json:"task_ids,omitempty"`
}

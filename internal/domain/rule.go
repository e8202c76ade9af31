package domain

import "time"

type TriggerType string

const (
	TriggerCardMovedIntoSection     TriggerType = "card_moved_into_section"
	TriggerCardMovedOutOfSection    TriggerType = "card_moved_out_of_section"
	TriggerCardMarkedComplete       TriggerType = "card_marked_complete"
	TriggerCardMarkedIncomplete     TriggerType = "card_marked_incomplete"
	TriggerCardCreatedInSection     TriggerType = "card_created_in_section"
	TriggerSectionCreated           TriggerType = "section_created"
	TriggerSectionRenamed           TriggerType = "section_renamed"
	TriggerScheduledInterval        TriggerType = "scheduled_interval"
	TriggerScheduledCron            TriggerType = "scheduled_cron"
	TriggerScheduledDueDateRelative TriggerType = "scheduled_due_date_relative"
	TriggerScheduledOneTime         TriggerType = "scheduled_one_time"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerCardMovedIntoSection, TriggerCardMovedOutOfSection, TriggerCardMarkedComplete,
		TriggerCardMarkedIncomplete, TriggerCardCreatedInSection, TriggerSectionCreated,
		TriggerSectionRenamed, TriggerScheduledInterval, TriggerScheduledCron,
		TriggerScheduledDueDateRelative, TriggerScheduledOneTime:
		return true
	}
	return false
}

func (t TriggerType) IsScheduled() bool {
	switch t {
	case TriggerScheduledInterval, TriggerScheduledCron, TriggerScheduledDueDateRelative, TriggerScheduledOneTime:
		return true
	}
	return false
}

// RequiresSection reports whether the trigger is meaningless without a section id.
func (t TriggerType) RequiresSection() bool {
	switch t {
	case TriggerCardMovedIntoSection, TriggerCardMovedOutOfSection, TriggerCardCreatedInSection:
		return true
	}
	return false
}

// ScheduleKind is the schedule variant the trigger type implies.
func (t TriggerType) ScheduleKind() ScheduleKind {
	switch t {
	case TriggerScheduledInterval:
		return ScheduleInterval
	case TriggerScheduledCron:
		return ScheduleCron
	case TriggerScheduledDueDateRelative:
		return ScheduleDueDateRelative
	case TriggerScheduledOneTime:
		return ScheduleOneTime
	}
	return ""
}

type CatchUpPolicy string

const (
	CatchUpLatest CatchUpPolicy = "catch_up_latest"
	SkipMissed    CatchUpPolicy = "skip_missed"
)

type ScheduleKind string

const (
	ScheduleInterval        ScheduleKind = "interval"
	ScheduleCron            ScheduleKind = "cron"
	ScheduleDueDateRelative ScheduleKind = "due_date_relative"
	ScheduleOneTime         ScheduleKind = "one_time"
)

type TimeUnit string

const (
	UnitMinutes TimeUnit = "minutes"
	UnitHours   TimeUnit = "hours"
	UnitDays    TimeUnit = "days"
	UnitWeeks   TimeUnit = "weeks"
)

func (u TimeUnit) Duration() time.Duration {
	switch u {
	case UnitMinutes:
		return time.Minute
	case UnitHours:
		return time.Hour
	case UnitDays:
		return 24 * time.Hour
	case UnitWeeks:
		return 7 * 24 * time.Hour
	}
	return 0
}

// ScheduleConfig is tagged by Kind; only the fields of that variant are meaningful.
type ScheduleConfig struct {
	Kind            ScheduleKind `json:"kind" yaml:"kind"`
	IntervalMinutes int          `json:"interval_minutes,omitempty" yaml:"interval_minutes,omitempty"`
	Hour            int          `json:"hour,omitempty" yaml:"hour,omitempty"`
	Minute          int          `json:"minute,omitempty" yaml:"minute,omitempty"`
	DaysOfWeek      []int        `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
	DaysOfMonth     []int        `json:"days_of_month,omitempty" yaml:"days_of_month,omitempty"`
	OffsetMinutes   int          `json:"offset_minutes,omitempty" yaml:"offset_minutes,omitempty"`
	DisplayUnit     TimeUnit     `json:"display_unit,omitempty" yaml:"display_unit,omitempty"`
	FireAt          *time.Time   `json:"fire_at,omitempty" yaml:"fire_at,omitempty"`
}

type Trigger struct {
	Type            TriggerType     `json:"type" yaml:"type"`
	SectionID       string          `json:"section_id,omitempty" yaml:"section_id,omitempty"`
	Schedule        *ScheduleConfig `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	LastEvaluatedAt *time.Time      `json:"last_evaluated_at,omitempty" yaml:"last_evaluated_at,omitempty"`
	CatchUpPolicy   CatchUpPolicy   `json:"catch_up_policy,omitempty" yaml:"catch_up_policy,omitempty"`
	// FiredFor maps task id to the due date a due-date-relative rule already fired for.
	FiredFor map[string]time.Time `json:"fired_for,omitempty" yaml:"-"`
}

type FilterType string

const (
	FilterHasDueDate           FilterType = "has_due_date"
	FilterNoDueDate            FilterType = "no_due_date"
	FilterOverdue              FilterType = "overdue"
	FilterDueToday             FilterType = "due_today"
	FilterDueTomorrow          FilterType = "due_tomorrow"
	FilterIsComplete           FilterType = "is_complete"
	FilterIsIncomplete         FilterType = "is_incomplete"
	FilterInSection            FilterType = "in_section"
	FilterNotInSection         FilterType = "not_in_section"
	FilterCreatedMoreThan      FilterType = "created_more_than"
	FilterCompletedMoreThan    FilterType = "completed_more_than"
	FilterNotModifiedIn        FilterType = "not_modified_in"
	FilterOverdueByMoreThan    FilterType = "overdue_by_more_than"
	FilterInSectionForMoreThan FilterType = "in_section_for_more_than"
)

type CardFilter struct {
	Type      FilterType `json:"type" yaml:"type"`
	SectionID string     `json:"section_id,omitempty" yaml:"section_id,omitempty"`
	Value     int        `json:"value,omitempty" yaml:"value,omitempty"`
	Unit      TimeUnit   `json:"unit,omitempty" yaml:"unit,omitempty"`
}

type ActionType string

const (
	ActionMoveToTop      ActionType = "move_card_to_top_of_section"
	ActionMoveToBottom   ActionType = "move_card_to_bottom_of_section"
	ActionMarkComplete   ActionType = "mark_card_complete"
	ActionMarkIncomplete ActionType = "mark_card_incomplete"
	ActionSetDueDate     ActionType = "set_due_date"
	ActionRemoveDueDate  ActionType = "remove_due_date"
	ActionCreateCard     ActionType = "create_card"
)

func (a ActionType) RequiresSection() bool {
	switch a {
	case ActionMoveToTop, ActionMoveToBottom, ActionCreateCard:
		return true
	}
	return false
}

type DateOption string

const (
	DateToday          DateOption = "today"
	DateTomorrow       DateOption = "tomorrow"
	DateNextWorkingDay DateOption = "next_working_day"
	DateInOneWeek      DateOption = "in_one_week"
	DateNextWeek       DateOption = "next_week"
	DateNextMonth      DateOption = "next_month"
	DateSpecific       DateOption = "specific_date"
	DateDayOfMonth     DateOption = "day_of_month"
)

type MonthTarget string

const (
	MonthThis MonthTarget = "this_month"
	MonthNext MonthTarget = "next_month"
)

type Action struct {
	Type           ActionType  `json:"type" yaml:"type"`
	SectionID      string      `json:"section_id,omitempty" yaml:"section_id,omitempty"`
	Position       string      `json:"position,omitempty" yaml:"position,omitempty"`
	DateOption     DateOption  `json:"date_option,omitempty" yaml:"date_option,omitempty"`
	SpecificMonth  int         `json:"specific_month,omitempty" yaml:"specific_month,omitempty"`
	SpecificDay    int         `json:"specific_day,omitempty" yaml:"specific_day,omitempty"`
	MonthTarget    MonthTarget `json:"month_target,omitempty" yaml:"month_target,omitempty"`
	CardTitle      string      `json:"card_title,omitempty" yaml:"card_title,omitempty"`
	CardDateOption DateOption  `json:"card_date_option,omitempty" yaml:"card_date_option,omitempty"`
}

type BrokenReason string

const BrokenSectionDeleted BrokenReason = "section_deleted"

type ExecutionType string

const (
	ExecutionEvent     ExecutionType = ""
	ExecutionScheduled ExecutionType = "scheduled"
	ExecutionCatchUp   ExecutionType = "catch-up"
	ExecutionManual    ExecutionType = "manual"
)

type ExecutionLogEntry struct {
	Timestamp          time.Time     `json:"timestamp"`
	TriggerDescription string        `json:"trigger_description"`
	ActionDescription  string        `json:"action_description"`
	TaskName           string        `json:"task_name"`
	MatchCount         int           `json:"match_count,omitempty"`
	Details            []string      `json:"details,omitempty"`
	ExecutionType      ExecutionType `json:"execution_type,omitempty"`
}

const MaxRecentExecutions = 20

type AutomationRule struct {
	ID               string              `json:"id" yaml:"id,omitempty"`
	ProjectID        string              `json:"project_id" yaml:"project_id,omitempty"`
	Name             string              `json:"name" yaml:"name"`
	Trigger          Trigger             `json:"trigger" yaml:"trigger"`
	Filters          []CardFilter        `json:"filters" yaml:"filters,omitempty"`
	Action           Action              `json:"action" yaml:"action"`
	Enabled          bool                `json:"enabled" yaml:"enabled"`
	BrokenReason     BrokenReason        `json:"broken_reason,omitempty" yaml:"-"`
	ExecutionCount   int                 `json:"execution_count" yaml:"-"`
	LastExecutedAt   *time.Time          `json:"last_executed_at,omitempty" yaml:"-"`
	RecentExecutions []ExecutionLogEntry `json:"recent_executions" yaml:"-"`
	Order            int                 `json:"order" yaml:"order,omitempty"`
	BulkPausedAt     *time.Time          `json:"bulk_paused_at,omitempty" yaml:"-"`
	CreatedAt        time.Time           `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time           `json:"updated_at" yaml:"-"`
}

// Active reports whether the rule may be evaluated at all.
func (r AutomationRule) Active() bool {
	return r.Enabled && r.BrokenReason == ""
}

// AppendExecution records an entry, evicting the oldest beyond MaxRecentExecutions.
func (r *AutomationRule) AppendExecution(e ExecutionLogEntry) {
	r.RecentExecutions = append(r.RecentExecutions, e)
	if n := len(r.RecentExecutions); n > MaxRecentExecutions {
		r.RecentExecutions = append([]ExecutionLogEntry(nil), r.RecentExecutions[n-MaxRecentExecutions:]...)
	}
}

// SectionRefs lists every section id the rule points at, trigger first.
func (r AutomationRule) SectionRefs() []string {
	var out []string
	if r.Trigger.SectionID != "" {
		out = append(out, r.Trigger.SectionID)
	}
	if r.Action.SectionID != "" {
		out = append(out, r.Action.SectionID)
	}
	for _, f := range r.Filters {
		if f.SectionID != "" {
			out = append(out, f.SectionID)
		}
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Clone returns a deep copy safe to mutate independently.
func (r AutomationRule) Clone() AutomationRule {
	out := r
	out.Filters = append([]CardFilter(nil), r.Filters...)
	out.LastExecutedAt = copyTime(r.LastExecutedAt)
	out.BulkPausedAt = copyTime(r.BulkPausedAt)
	if r.RecentExecutions != nil {
		out.RecentExecutions = make([]ExecutionLogEntry, len(r.RecentExecutions))
		for i, e := range r.RecentExecutions {
			e.Details = append([]string(nil), e.Details...)
			out.RecentExecutions[i] = e
		}
	}
	out.Trigger.LastEvaluatedAt = copyTime(r.Trigger.LastEvaluatedAt)
	if r.Trigger.Schedule != nil {
		s := *r.Trigger.Schedule
		s.DaysOfWeek = append([]int(nil), s.DaysOfWeek...)
		s.DaysOfMonth = append([]int(nil), s.DaysOfMonth...)
		s.FireAt = copyTime(s.FireAt)
		out.Trigger.Schedule = &s
	}
	if r.Trigger.FiredFor != nil {
		out.Trigger.FiredFor = make(map[string]time.Time, len(r.Trigger.FiredFor))
		for k, v := range r.Trigger.FiredFor {
			out.Trigger.FiredFor[k] = v
		}
	}
	return out
}

// RuleAction is a matched rule bound to one target entity, pending execution.
type RuleAction struct {
	RuleID         string
	ActionType     ActionType
	TargetEntityID string
	Params         Action
}

// Key is the idempotency key of the action within one cascade.
func (a RuleAction) Key() string {
	return a.RuleID + ":" + a.TargetEntityID + ":" + string(a.ActionType)
}

type SubtaskSnapshot struct {
	TaskID      string     `json:"task_id"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type UndoSnapshot struct {
	ID               string            `json:"id"`
	RuleID           string            `json:"rule_id"`
	RuleName         string            `json:"rule_name"`
	ActionType       ActionType        `json:"action_type"`
	TargetEntityID   string            `json:"target_entity_id"`
	PreviousState    Fields            `json:"previous_state,omitempty"`
	CreatedEntityID  string            `json:"created_entity_id,omitempty"`
	SubtaskSnapshots []SubtaskSnapshot `json:"subtask_snapshots,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

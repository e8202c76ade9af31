package automation

import (
	"fmt"
	"strings"
	"time"

	"boardflow/internal/domain"
)

const maxRuleNameLength = 200

// PastFireTimeMessage is returned when enabling a one-time rule whose fire
// time has already gone by.
const PastFireTimeMessage = "This rule's fire time is in the past. Move it to the future before enabling the rule."

// ValidationError rejects malformed rule data before it is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateRule checks the rule's shape. It does not check that referenced
// sections exist.
func ValidateRule(r domain.AutomationRule) error {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return invalid("name", "is required")
	}
	if len(name) > maxRuleNameLength {
		return invalid("name", "must be at most %d characters", maxRuleNameLength)
	}
	if r.ProjectID == "" {
		return invalid("project_id", "is required")
	}
	if err := validateTrigger(r.Trigger); err != nil {
		return err
	}
	for i, f := range r.Filters {
		if err := validateFilter(f); err != nil {
			err.Field = fmt.Sprintf("filters[%d].%s", i, err.Field)
			return err
		}
	}
	if err := validateAction(r.Action); err != nil {
		return err
	}
	switch r.Trigger.Type {
	case domain.TriggerSectionCreated, domain.TriggerSectionRenamed:
		if r.Action.Type != domain.ActionCreateCard {
			return invalid("action.type", "section triggers only support %s", domain.ActionCreateCard)
		}
	}
	return nil
}

func validateTrigger(tr domain.Trigger) *ValidationError {
	if !tr.Type.Valid() {
		return invalid("trigger.type", "unknown trigger type %q", tr.Type)
	}
	if tr.Type.RequiresSection() && tr.SectionID == "" {
		return invalid("trigger.section_id", "is required for %s", tr.Type)
	}
	if !tr.Type.IsScheduled() {
		if tr.Schedule != nil {
			return invalid("trigger.schedule", "only scheduled triggers carry a schedule")
		}
		if tr.CatchUpPolicy != "" {
			return invalid("trigger.catch_up_policy", "only recurring scheduled triggers carry a catch-up policy")
		}
		return nil
	}
	if tr.Schedule == nil {
		return invalid("trigger.schedule", "is required for %s", tr.Type)
	}
	cfg := *tr.Schedule
	if cfg.Kind != tr.Type.ScheduleKind() {
		return invalid("trigger.schedule.kind", "must be %q for %s", tr.Type.ScheduleKind(), tr.Type)
	}
	switch tr.CatchUpPolicy {
	case "":
	case domain.CatchUpLatest, domain.SkipMissed:
		if tr.Type != domain.TriggerScheduledInterval && tr.Type != domain.TriggerScheduledCron {
			return invalid("trigger.catch_up_policy", "only recurring scheduled triggers carry a catch-up policy")
		}
	default:
		return invalid("trigger.catch_up_policy", "unknown policy %q", tr.CatchUpPolicy)
	}
	switch cfg.Kind {
	case domain.ScheduleInterval:
		if cfg.IntervalMinutes < MinIntervalMinutes || cfg.IntervalMinutes > MaxIntervalMinutes {
			return invalid("trigger.schedule.interval_minutes", "must be between %d and %d", MinIntervalMinutes, MaxIntervalMinutes)
		}
	case domain.ScheduleCron:
		if cfg.Hour < 0 || cfg.Hour > 23 {
			return invalid("trigger.schedule.hour", "must be between 0 and 23")
		}
		if cfg.Minute < 0 || cfg.Minute > 59 {
			return invalid("trigger.schedule.minute", "must be between 0 and 59")
		}
		for _, d := range cfg.DaysOfWeek {
			if d < 0 || d > 6 {
				return invalid("trigger.schedule.days_of_week", "day %d out of range 0-6", d)
			}
		}
		for _, d := range cfg.DaysOfMonth {
			if d < 1 || d > 31 {
				return invalid("trigger.schedule.days_of_month", "day %d out of range 1-31", d)
			}
		}
	case domain.ScheduleDueDateRelative:
		switch cfg.DisplayUnit {
		case "", domain.UnitMinutes, domain.UnitHours, domain.UnitDays:
		default:
			return invalid("trigger.schedule.display_unit", "unknown unit %q", cfg.DisplayUnit)
		}
	case domain.ScheduleOneTime:
		if cfg.FireAt == nil {
			return invalid("trigger.schedule.fire_at", "is required")
		}
	}
	return nil
}

func validateFilter(f domain.CardFilter) *ValidationError {
	if !KnownFilter(f.Type) {
		return invalid("type", "unknown filter type %q", f.Type)
	}
	switch f.Type {
	case domain.FilterInSection, domain.FilterNotInSection:
		if f.SectionID == "" {
			return invalid("section_id", "is required for %s", f.Type)
		}
	case domain.FilterCreatedMoreThan, domain.FilterCompletedMoreThan, domain.FilterNotModifiedIn,
		domain.FilterOverdueByMoreThan, domain.FilterInSectionForMoreThan:
		if f.Value <= 0 {
			return invalid("value", "must be positive")
		}
		if f.Unit.Duration() == 0 {
			return invalid("unit", "unknown unit %q", f.Unit)
		}
	}
	return nil
}

func validateAction(a domain.Action) *ValidationError {
	if _, ok := DefaultHandlers()[a.Type]; !ok {
		return invalid("action.type", "unknown action type %q", a.Type)
	}
	if a.Type.RequiresSection() && a.SectionID == "" {
		return invalid("action.section_id", "is required for %s", a.Type)
	}
	switch a.Type {
	case domain.ActionSetDueDate:
		if err := validateDate(a, a.DateOption, "action.date_option"); err != nil {
			return err
		}
	case domain.ActionCreateCard:
		if strings.TrimSpace(a.CardTitle) == "" {
			return invalid("action.card_title", "is required")
		}
		if a.CardDateOption != "" {
			if err := validateDate(a, a.CardDateOption, "action.card_date_option"); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateDate(a domain.Action, opt domain.DateOption, field string) *ValidationError {
	if !ValidDateOption(opt) {
		return invalid(field, "unknown date option %q", opt)
	}
	switch opt {
	case domain.DateSpecific:
		if a.SpecificMonth < 1 || a.SpecificMonth > 12 {
			return invalid("action.specific_month", "must be between 1 and 12")
		}
		if a.SpecificDay < 1 || a.SpecificDay > 31 {
			return invalid("action.specific_day", "must be between 1 and 31")
		}
	case domain.DateDayOfMonth:
		if a.SpecificDay < 1 || a.SpecificDay > 31 {
			return invalid("action.specific_day", "must be between 1 and 31")
		}
		switch a.MonthTarget {
		case domain.MonthThis, domain.MonthNext:
		default:
			return invalid("action.month_target", "must be %q or %q", domain.MonthThis, domain.MonthNext)
		}
	}
	return nil
}

// CheckEnable rejects turning on a one-time rule whose fire time has passed.
func CheckEnable(r domain.AutomationRule, now time.Time) error {
	if !r.Enabled || r.Trigger.Type != domain.TriggerScheduledOneTime || r.Trigger.Schedule == nil {
		return nil
	}
	if fireAt := r.Trigger.Schedule.FireAt; fireAt != nil && !fireAt.After(now) {
		return &ValidationError{Field: "enabled", Message: PastFireTimeMessage}
	}
	return nil
}

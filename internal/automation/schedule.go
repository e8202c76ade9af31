package automation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"boardflow/internal/domain"
)

const (
	// CronGrace is how late a tick may observe a cron occurrence and still
	// treat it as on time.
	CronGrace = 2 * time.Minute

	MinIntervalMinutes = 5
	MaxIntervalMinutes = 10080

	// Occurrence scans give up after this many days.
	cronScanDays = 400
)

// ScheduleResult is the outcome of one scheduler evaluation of a trigger.
type ScheduleResult struct {
	ShouldFire    bool
	ExecutionType domain.ExecutionType
	// LastEvaluatedAt is the value to persist on the trigger.
	LastEvaluatedAt *time.Time
	// TaskIDs restricts the candidate tasks; nil means all project tasks.
	TaskIDs []string
	// FiredFor is the updated due-date tracking, nil for other kinds.
	FiredFor map[string]time.Time
	// Disable is set when a one-time trigger has fired.
	Disable bool
}

// EvaluateSchedule decides whether a scheduled trigger fires at now. tasks is
// only consulted for due-date-relative triggers.
func EvaluateSchedule(tr domain.Trigger, tasks []domain.Task, now time.Time) ScheduleResult {
	res := ScheduleResult{LastEvaluatedAt: tr.LastEvaluatedAt}
	cfg := tr.Schedule
	if cfg == nil || !tr.Type.IsScheduled() {
		return res
	}
	switch tr.Type {
	case domain.TriggerScheduledInterval:
		return evaluateInterval(tr, *cfg, now)
	case domain.TriggerScheduledCron:
		return evaluateCron(tr, *cfg, now)
	case domain.TriggerScheduledDueDateRelative:
		return evaluateDueDate(tr, *cfg, tasks, now, nil)
	case domain.TriggerScheduledOneTime:
		return evaluateOneTime(tr, *cfg, now)
	}
	return res
}

// EvaluateRule is EvaluateSchedule for a stored rule. Due-date candidates
// must also pass the rule's filters, so a task is only marked fired once the
// rule actually acts on it.
func EvaluateRule(rule domain.AutomationRule, tasks []domain.Task, now time.Time) ScheduleResult {
	tr := rule.Trigger
	if tr.Type != domain.TriggerScheduledDueDateRelative || tr.Schedule == nil {
		return EvaluateSchedule(tr, tasks, now)
	}
	accept := func(t domain.Task) bool {
		return t.ProjectID == rule.ProjectID && MatchesAll(rule.Filters, t, now)
	}
	return evaluateDueDate(tr, *tr.Schedule, tasks, now, accept)
}

func evaluateInterval(tr domain.Trigger, cfg domain.ScheduleConfig, now time.Time) ScheduleResult {
	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	res := ScheduleResult{LastEvaluatedAt: tr.LastEvaluatedAt}
	if interval <= 0 {
		return res
	}
	last := tr.LastEvaluatedAt
	if last != nil {
		elapsed := now.Sub(*last)
		if elapsed < interval {
			return res
		}
		res.ExecutionType = domain.ExecutionScheduled
		if elapsed >= 2*interval {
			res.ExecutionType = domain.ExecutionCatchUp
		}
	} else {
		res.ExecutionType = domain.ExecutionScheduled
	}
	res.ShouldFire = true
	res.LastEvaluatedAt = &now
	return res
}

func evaluateCron(tr domain.Trigger, cfg domain.ScheduleConfig, now time.Time) ScheduleResult {
	res := ScheduleResult{LastEvaluatedAt: &now}
	occ, ok := PreviousOccurrence(cfg, now)
	if !ok {
		return res
	}
	last := tr.LastEvaluatedAt
	if last != nil && !occ.After(*last) {
		return res
	}
	if now.Sub(occ) < CronGrace {
		res.ShouldFire = true
		res.ExecutionType = domain.ExecutionScheduled
		return res
	}
	// Missed while inactive. A never-evaluated trigger has nothing to catch up.
	if last == nil {
		return res
	}
	if policyOf(tr) == domain.CatchUpLatest {
		res.ShouldFire = true
		res.ExecutionType = domain.ExecutionCatchUp
	}
	return res
}

func policyOf(tr domain.Trigger) domain.CatchUpPolicy {
	if tr.CatchUpPolicy == "" {
		return domain.CatchUpLatest
	}
	return tr.CatchUpPolicy
}

func evaluateDueDate(tr domain.Trigger, cfg domain.ScheduleConfig, tasks []domain.Task, now time.Time, accept func(domain.Task) bool) ScheduleResult {
	res := ScheduleResult{LastEvaluatedAt: &now, FiredFor: map[string]time.Time{}}
	live := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		live[t.ID] = struct{}{}
	}
	for id, due := range tr.FiredFor {
		if _, ok := live[id]; ok {
			res.FiredFor[id] = due
		}
	}
	for _, t := range DueDateCandidates(cfg, tasks, now) {
		if prev, ok := res.FiredFor[t.ID]; ok && prev.Equal(*t.DueDate) {
			continue
		}
		if accept != nil && !accept(t) {
			continue
		}
		res.FiredFor[t.ID] = *t.DueDate
		res.TaskIDs = append(res.TaskIDs, t.ID)
	}
	if len(res.TaskIDs) > 0 {
		res.ShouldFire = true
		res.ExecutionType = domain.ExecutionScheduled
	}
	return res
}

// DueDateCandidates lists incomplete tasks whose offset due time has passed.
func DueDateCandidates(cfg domain.ScheduleConfig, tasks []domain.Task, now time.Time) []domain.Task {
	offset := time.Duration(cfg.OffsetMinutes) * time.Minute
	var out []domain.Task
	for _, t := range tasks {
		if t.Completed || t.DueDate == nil {
			continue
		}
		if !now.Before(t.DueDate.Add(offset)) {
			out = append(out, t)
		}
	}
	return out
}

func evaluateOneTime(tr domain.Trigger, cfg domain.ScheduleConfig, now time.Time) ScheduleResult {
	res := ScheduleResult{LastEvaluatedAt: &now}
	if cfg.FireAt == nil {
		return res
	}
	fireAt := *cfg.FireAt
	if now.Before(fireAt) {
		return res
	}
	if last := tr.LastEvaluatedAt; last != nil && !last.Before(fireAt) {
		return res
	}
	res.ShouldFire = true
	res.Disable = true
	res.ExecutionType = domain.ExecutionScheduled
	if now.Sub(fireAt) >= CronGrace {
		res.ExecutionType = domain.ExecutionCatchUp
	}
	return res
}

func cronDayMatches(cfg domain.ScheduleConfig, day time.Time) bool {
	if len(cfg.DaysOfWeek) == 0 && len(cfg.DaysOfMonth) == 0 {
		return true
	}
	for _, d := range cfg.DaysOfWeek {
		if time.Weekday(d) == day.Weekday() {
			return true
		}
	}
	for _, d := range cfg.DaysOfMonth {
		if d == day.Day() {
			return true
		}
	}
	return false
}

// PreviousOccurrence returns the latest cron occurrence at or before now.
func PreviousOccurrence(cfg domain.ScheduleConfig, now time.Time) (time.Time, bool) {
	loc := now.Location()
	day := startOfDay(now, loc)
	for i := 0; i < cronScanDays; i++ {
		d := day.AddDate(0, 0, -i)
		occ := time.Date(d.Year(), d.Month(), d.Day(), cfg.Hour, cfg.Minute, 0, 0, loc)
		if occ.After(now) || !cronDayMatches(cfg, d) {
			continue
		}
		return occ, true
	}
	return time.Time{}, false
}

// NextOccurrence returns the first cron occurrence strictly after now.
func NextOccurrence(cfg domain.ScheduleConfig, now time.Time) (time.Time, bool) {
	loc := now.Location()
	day := startOfDay(now, loc)
	for i := 0; i < cronScanDays; i++ {
		d := day.AddDate(0, 0, i)
		occ := time.Date(d.Year(), d.Month(), d.Day(), cfg.Hour, cfg.Minute, 0, 0, loc)
		if !occ.After(now) || !cronDayMatches(cfg, d) {
			continue
		}
		return occ, true
	}
	return time.Time{}, false
}

// NextRun estimates when a scheduled trigger will next fire. Due-date
// triggers depend on task state and report no single time.
func NextRun(tr domain.Trigger, now time.Time) (time.Time, bool) {
	cfg := tr.Schedule
	if cfg == nil {
		return time.Time{}, false
	}
	switch tr.Type {
	case domain.TriggerScheduledInterval:
		if tr.LastEvaluatedAt == nil {
			return now, true
		}
		next := tr.LastEvaluatedAt.Add(time.Duration(cfg.IntervalMinutes) * time.Minute)
		if next.Before(now) {
			next = now
		}
		return next, true
	case domain.TriggerScheduledCron:
		return NextOccurrence(*cfg, now)
	case domain.TriggerScheduledOneTime:
		if cfg.FireAt == nil {
			return time.Time{}, false
		}
		if last := tr.LastEvaluatedAt; last != nil && !last.Before(*cfg.FireAt) {
			return time.Time{}, false
		}
		return *cfg.FireAt, true
	}
	return time.Time{}, false
}

var weekdayAbbrev = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// DescribeSchedule renders the schedule as shown next to a rule.
func DescribeSchedule(cfg domain.ScheduleConfig) string {
	switch cfg.Kind {
	case domain.ScheduleInterval:
		return describeMinutes(cfg.IntervalMinutes, "")
	case domain.ScheduleCron:
		return describeCron(cfg)
	case domain.ScheduleDueDateRelative:
		if cfg.OffsetMinutes == 0 {
			return "On due date"
		}
		dir := "after"
		m := cfg.OffsetMinutes
		if m < 0 {
			dir = "before"
			m = -m
		}
		return describeMinutes(m, cfg.DisplayUnit) + " " + dir + " due date"
	case domain.ScheduleOneTime:
		if cfg.FireAt == nil {
			return "Once"
		}
		return "On " + cfg.FireAt.Format("Jan 2, 2006 at 15:04")
	}
	return string(cfg.Kind)
}

// describeMinutes picks the largest whole unit, or the preferred unit when
// it divides evenly.
func describeMinutes(m int, prefer domain.TimeUnit) string {
	if prefer != "" {
		per := int(prefer.Duration() / time.Minute)
		if per > 0 && m%per == 0 {
			return pluralize(m/per, unitSingular(prefer))
		}
	}
	switch {
	case m != 0 && m%1440 == 0:
		return pluralize(m/1440, "day")
	case m != 0 && m%60 == 0:
		return pluralize(m/60, "hour")
	}
	return pluralize(m, "minute")
}

func describeCron(cfg domain.ScheduleConfig) string {
	at := fmt.Sprintf("%02d:%02d", cfg.Hour, cfg.Minute)
	var parts []string
	if len(cfg.DaysOfWeek) > 0 {
		days := uniqueSorted(cfg.DaysOfWeek, func(d int) int { return (d + 6) % 7 })
		if len(days) == 7 {
			parts = append(parts, "Every day")
		} else {
			names := make([]string, 0, len(days))
			for _, d := range days {
				if d >= 0 && d <= 6 {
					names = append(names, weekdayAbbrev[d])
				}
			}
			parts = append(parts, strings.Join(names, ", "))
		}
	}
	if len(cfg.DaysOfMonth) > 0 {
		days := uniqueSorted(cfg.DaysOfMonth, func(d int) int { return d })
		ords := make([]string, len(days))
		for i, d := range days {
			ords[i] = ordinal(d)
		}
		parts = append(parts, strings.Join(ords, ", ")+" of month")
	}
	if len(parts) == 0 {
		return "Every day at " + at
	}
	return strings.Join(parts, " and ") + " at " + at
}

// uniqueSorted dedupes and sorts by key; weekdays sort Monday first.
func uniqueSorted(in []int, key func(int) int) []int {
	seen := map[int]bool{}
	var out []int
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

// DescribeTrigger renders a trigger for rule listings and execution logs.
func DescribeTrigger(tr domain.Trigger, names SectionNamer) string {
	switch tr.Type {
	case domain.TriggerCardMovedIntoSection:
		return fmt.Sprintf("When a card is moved into %q", names(tr.SectionID))
	case domain.TriggerCardMovedOutOfSection:
		return fmt.Sprintf("When a card is moved out of %q", names(tr.SectionID))
	case domain.TriggerCardMarkedComplete:
		return "When a card is marked complete"
	case domain.TriggerCardMarkedIncomplete:
		return "When a card is marked incomplete"
	case domain.TriggerCardCreatedInSection:
		return fmt.Sprintf("When a card is created in %q", names(tr.SectionID))
	case domain.TriggerSectionCreated:
		return "When a section is created"
	case domain.TriggerSectionRenamed:
		return "When a section is renamed"
	case domain.TriggerScheduledInterval:
		if tr.Schedule != nil {
			return "Every " + DescribeSchedule(*tr.Schedule)
		}
	case domain.TriggerScheduledCron, domain.TriggerScheduledDueDateRelative, domain.TriggerScheduledOneTime:
		if tr.Schedule != nil {
			return DescribeSchedule(*tr.Schedule)
		}
	}
	return string(tr.Type)
}

package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"boardflow/internal/domain"
)

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// sameDay compares calendar days in ref's location.
func sameDay(t, ref time.Time) bool {
	loc := ref.Location()
	return startOfDay(t, loc).Equal(startOfDay(ref, loc))
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// clampedDate builds year-month-day, pinning day to the month's last day.
func clampedDate(year int, month time.Month, day int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	if n := daysIn(first.Year(), first.Month(), loc); day > n {
		day = n
	}
	if day < 1 {
		day = 1
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, loc)
}

// ResolveDate turns a relative date option into a calendar day at midnight
// in now's location.
func ResolveDate(a domain.Action, option domain.DateOption, now time.Time) (time.Time, error) {
	loc := now.Location()
	today := startOfDay(now, loc)
	switch option {
	case domain.DateToday:
		return today, nil
	case domain.DateTomorrow:
		return today.AddDate(0, 0, 1), nil
	case domain.DateNextWorkingDay:
		d := today.AddDate(0, 0, 1)
		for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			d = d.AddDate(0, 0, 1)
		}
		return d, nil
	case domain.DateInOneWeek:
		return today.AddDate(0, 0, 7), nil
	case domain.DateNextWeek:
		ahead := (int(time.Monday) - int(today.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return today.AddDate(0, 0, ahead), nil
	case domain.DateNextMonth:
		return clampedDate(today.Year(), today.Month()+1, today.Day(), loc), nil
	case domain.DateSpecific:
		if a.SpecificMonth < 1 || a.SpecificMonth > 12 || a.SpecificDay < 1 || a.SpecificDay > 31 {
			return time.Time{}, fmt.Errorf("invalid specific date %d/%d", a.SpecificMonth, a.SpecificDay)
		}
		d := clampedDate(today.Year(), time.Month(a.SpecificMonth), a.SpecificDay, loc)
		if d.Before(today) {
			d = clampedDate(today.Year()+1, time.Month(a.SpecificMonth), a.SpecificDay, loc)
		}
		return d, nil
	case domain.DateDayOfMonth:
		if a.SpecificDay < 1 || a.SpecificDay > 31 {
			return time.Time{}, fmt.Errorf("invalid day of month %d", a.SpecificDay)
		}
		month := today.Month()
		if a.MonthTarget == domain.MonthNext {
			month++
		}
		return clampedDate(today.Year(), month, a.SpecificDay, loc), nil
	}
	return time.Time{}, fmt.Errorf("unknown date option %q", option)
}

// ValidDateOption reports whether the option is one ResolveDate understands.
func ValidDateOption(o domain.DateOption) bool {
	switch o {
	case domain.DateToday, domain.DateTomorrow, domain.DateNextWorkingDay, domain.DateInOneWeek,
		domain.DateNextWeek, domain.DateNextMonth, domain.DateSpecific, domain.DateDayOfMonth:
		return true
	}
	return false
}

func describeDateOption(a domain.Action, option domain.DateOption) string {
	switch option {
	case domain.DateToday:
		return "today"
	case domain.DateTomorrow:
		return "tomorrow"
	case domain.DateNextWorkingDay:
		return "the next working day"
	case domain.DateInOneWeek:
		return "in one week"
	case domain.DateNextWeek:
		return "next week"
	case domain.DateNextMonth:
		return "next month"
	case domain.DateSpecific:
		if a.SpecificMonth >= 1 && a.SpecificMonth <= 12 {
			return fmt.Sprintf("%s %d", time.Month(a.SpecificMonth), a.SpecificDay)
		}
	case domain.DateDayOfMonth:
		target := "this month"
		if a.MonthTarget == domain.MonthNext {
			target = "next month"
		}
		return fmt.Sprintf("the %s of %s", ordinal(a.SpecificDay), target)
	}
	return string(option)
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}

// InterpolateTitle resolves {{date}}, {{day}}, {{weekday}} and {{month}}.
func InterpolateTitle(template string, now time.Time) string {
	r := strings.NewReplacer(
		"{{date}}", now.Format("Jan 2, 2006"),
		"{{day}}", strconv.Itoa(now.Day()),
		"{{weekday}}", now.Weekday().String(),
		"{{month}}", now.Month().String(),
	)
	return r.Replace(template)
}

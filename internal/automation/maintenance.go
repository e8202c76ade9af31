package automation

import (
	"time"

	"boardflow/internal/domain"
)

// MarkBrokenRules disables every rule that references the deleted section and
// returns the rules it changed. Other rules are left as they are.
func MarkBrokenRules(rules []domain.AutomationRule, deletedSectionID string) []domain.AutomationRule {
	var changed []domain.AutomationRule
	for _, r := range rules {
		if !references(r, deletedSectionID) {
			continue
		}
		r.Enabled = false
		r.BrokenReason = domain.BrokenSectionDeleted
		changed = append(changed, r)
	}
	return changed
}

func references(r domain.AutomationRule, sectionID string) bool {
	for _, id := range r.SectionRefs() {
		if id == sectionID {
			return true
		}
	}
	return false
}

// DuplicateRule copies src into another project. Section references are
// remapped by exact section name; a reference without a namesake in the
// target marks the copy broken. The copy starts disabled with no history.
func DuplicateRule(src domain.AutomationRule, sourceSections, targetSections []domain.Section, targetProjectID, newID string, now time.Time) domain.AutomationRule {
	srcNames := make(map[string]string, len(sourceSections))
	for _, s := range sourceSections {
		srcNames[s.ID] = s.Name
	}
	targetByName := make(map[string]string, len(targetSections))
	for _, s := range targetSections {
		if _, dup := targetByName[s.Name]; !dup {
			targetByName[s.Name] = s.ID
		}
	}

	cp := src.Clone()
	broken := false
	remap := func(id string) string {
		if id == "" {
			return ""
		}
		name, ok := srcNames[id]
		if !ok {
			broken = true
			return id
		}
		target, ok := targetByName[name]
		if !ok {
			broken = true
			return id
		}
		return target
	}
	cp.Trigger.SectionID = remap(cp.Trigger.SectionID)
	cp.Action.SectionID = remap(cp.Action.SectionID)
	for i := range cp.Filters {
		cp.Filters[i].SectionID = remap(cp.Filters[i].SectionID)
	}

	cp.ID = newID
	cp.ProjectID = targetProjectID
	cp.Name = "Copy of " + src.Name
	cp.Enabled = false
	cp.BrokenReason = ""
	if broken {
		cp.BrokenReason = domain.BrokenSectionDeleted
	}
	cp.ExecutionCount = 0
	cp.LastExecutedAt = nil
	cp.RecentExecutions = []domain.ExecutionLogEntry{}
	cp.BulkPausedAt = nil
	cp.Trigger.LastEvaluatedAt = nil
	cp.Trigger.FiredFor = nil
	cp.Order = 0
	cp.CreatedAt = now
	cp.UpdatedAt = now
	return cp
}

// IsDuplicate reports whether two enabled rules share trigger type, trigger
// section, action type and action section.
func IsDuplicate(a, b domain.AutomationRule) bool {
	if !a.Enabled || !b.Enabled || (a.ID != "" && a.ID == b.ID) {
		return false
	}
	return a.Trigger.Type == b.Trigger.Type &&
		a.Trigger.SectionID == b.Trigger.SectionID &&
		a.Action.Type == b.Action.Type &&
		a.Action.SectionID == b.Action.SectionID
}

type DuplicatePair struct {
	RuleID      string `json:"rule_id"`
	DuplicateOf string `json:"duplicate_of"`
}

// FindDuplicates pairs every rule with the earliest rule it duplicates.
func FindDuplicates(rules []domain.AutomationRule) []DuplicatePair {
	var out []DuplicatePair
	for i := range rules {
		for j := 0; j < i; j++ {
			if rules[i].ProjectID == rules[j].ProjectID && IsDuplicate(rules[i], rules[j]) {
				out = append(out, DuplicatePair{RuleID: rules[i].ID, DuplicateOf: rules[j].ID})
				break
			}
		}
	}
	return out
}

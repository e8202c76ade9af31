package repo

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"boardflow/internal/domain"
)

const (
	// RulesKey is the kv_store key holding the rule document.
	RulesKey = "automation_rules"
	// RulesSchemaVersion is the version written by this build.
	RulesSchemaVersion = 2
)

type ruleDocument struct {
	Version int                     `json:"version"`
	Rules   []domain.AutomationRule `json:"rules"`
}

// DecodeRules parses a stored rule document and migrates it to the current
// version. A bare JSON array is read as a version 1 document.
func DecodeRules(data []byte) ([]domain.AutomationRule, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var doc ruleDocument
	if data[0] == '[' {
		doc.Version = 1
		if err := json.Unmarshal(data, &doc.Rules); err != nil {
			return nil, fmt.Errorf("decode rules: %w", err)
		}
	} else if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	switch {
	case doc.Version > RulesSchemaVersion:
		return nil, fmt.Errorf("rule document version %d is newer than supported version %d", doc.Version, RulesSchemaVersion)
	case doc.Version < 2:
		migrateRulesV1(doc.Rules)
	}
	return doc.Rules, nil
}

// Version 1 predates catch-up policies and execution history.
func migrateRulesV1(rules []domain.AutomationRule) {
	for i := range rules {
		r := &rules[i]
		switch r.Trigger.Type {
		case domain.TriggerScheduledInterval, domain.TriggerScheduledCron:
			if r.Trigger.CatchUpPolicy == "" {
				r.Trigger.CatchUpPolicy = domain.CatchUpLatest
			}
		}
		if r.RecentExecutions == nil {
			r.RecentExecutions = []domain.ExecutionLogEntry{}
		}
		if r.Filters == nil {
			r.Filters = []domain.CardFilter{}
		}
	}
}

func EncodeRules(rules []domain.AutomationRule) ([]byte, error) {
	if rules == nil {
		rules = []domain.AutomationRule{}
	}
	return json.Marshal(ruleDocument{Version: RulesSchemaVersion, Rules: rules})
}

type ruleListeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func([]domain.AutomationRule)
}

func (l *ruleListeners) add(fn func([]domain.AutomationRule)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = map[int]func([]domain.AutomationRule){}
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *ruleListeners) notify(rules []domain.AutomationRule) {
	l.mu.Lock()
	fns := make([]func([]domain.AutomationRule), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(cloneRules(rules))
	}
}

func cloneRules(rules []domain.AutomationRule) []domain.AutomationRule {
	out := make([]domain.AutomationRule, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
	}
	return out
}

func sortRules(rules []domain.AutomationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Order != rules[j].Order {
			return rules[i].Order < rules[j].Order
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}

func nextRuleOrder(rules []domain.AutomationRule, projectID string) int {
	highest := -1
	for _, r := range rules {
		if r.ProjectID == projectID && r.Order > highest {
			highest = r.Order
		}
	}
	return highest + 1
}

func prepareNewRule(rules []domain.AutomationRule, rule domain.AutomationRule, now time.Time) domain.AutomationRule {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if rule.Order == 0 {
		rule.Order = nextRuleOrder(rules, rule.ProjectID)
	}
	if rule.Filters == nil {
		rule.Filters = []domain.CardFilter{}
	}
	if rule.RecentExecutions == nil {
		rule.RecentExecutions = []domain.ExecutionLogEntry{}
	}
	return rule
}

// RuleStore keeps every automation rule in one versioned JSON document.
type RuleStore struct {
	DB  *sql.DB
	Now func() time.Time

	mu        sync.Mutex
	listeners ruleListeners
}

func NewRuleStore(db *sql.DB, now func() time.Time) *RuleStore {
	return &RuleStore{DB: db, Now: now}
}

func (s *RuleStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *RuleStore) load(ctx context.Context) ([]domain.AutomationRule, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key=?`, RulesKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return DecodeRules([]byte(value))
}

func (s *RuleStore) save(ctx context.Context, rules []domain.AutomationRule) error {
	data, err := EncodeRules(rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO kv_store(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		RulesKey, string(data), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	return nil
}

func (s *RuleStore) mutate(ctx context.Context, fn func([]domain.AutomationRule) ([]domain.AutomationRule, error)) error {
	s.mu.Lock()
	rules, err := s.load(ctx)
	if err == nil {
		rules, err = fn(rules)
	}
	if err == nil {
		err = s.save(ctx, rules)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.listeners.notify(rules)
	return nil
}

func (s *RuleStore) FindAll(ctx context.Context) ([]domain.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	sortRules(rules)
	return rules, nil
}

func (s *RuleStore) FindByProjectID(ctx context.Context, projectID string) ([]domain.AutomationRule, error) {
	all, err := s.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.AutomationRule
	for _, r := range all {
		if r.ProjectID == projectID {
			res = append(res, r)
		}
	}
	return res, nil
}

func (s *RuleStore) FindByID(ctx context.Context, id string) (domain.AutomationRule, error) {
	all, err := s.FindAll(ctx)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	for _, r := range all {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.AutomationRule{}, ErrNotFound
}

func (s *RuleStore) Create(ctx context.Context, rule domain.AutomationRule) (domain.AutomationRule, error) {
	err := s.mutate(ctx, func(rules []domain.AutomationRule) ([]domain.AutomationRule, error) {
		rule = prepareNewRule(rules, rule, s.now())
		for _, r := range rules {
			if r.ID == rule.ID {
				return nil, fmt.Errorf("rule %s already exists", rule.ID)
			}
		}
		return append(rules, rule), nil
	})
	return rule, err
}

// Update replaces the stored rule with the same id.
func (s *RuleStore) Update(ctx context.Context, rule domain.AutomationRule) (domain.AutomationRule, error) {
	err := s.mutate(ctx, func(rules []domain.AutomationRule) ([]domain.AutomationRule, error) {
		for i, r := range rules {
			if r.ID == rule.ID {
				rule.CreatedAt = r.CreatedAt
				rule.UpdatedAt = s.now()
				rules[i] = rule
				return rules, nil
			}
		}
		return nil, ErrNotFound
	})
	return rule, err
}

func (s *RuleStore) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, func(rules []domain.AutomationRule) ([]domain.AutomationRule, error) {
		for i, r := range rules {
			if r.ID == id {
				return append(rules[:i], rules[i+1:]...), nil
			}
		}
		return nil, ErrNotFound
	})
}

// DeleteByProjectID removes every rule of the project and reports how many went.
func (s *RuleStore) DeleteByProjectID(ctx context.Context, projectID string) (int, error) {
	removed := 0
	err := s.mutate(ctx, func(rules []domain.AutomationRule) ([]domain.AutomationRule, error) {
		kept := rules[:0]
		for _, r := range rules {
			if r.ProjectID == projectID {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		return kept, nil
	})
	return removed, err
}

// Subscribe registers fn to receive the full rule set after every write.
func (s *RuleStore) Subscribe(fn func([]domain.AutomationRule)) func() {
	return s.listeners.add(fn)
}

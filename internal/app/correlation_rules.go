package app

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oswatch/scanfleet/internal/domain"
)

// heavyEventLimit is the event count above which heavy rules are skipped
// rather than risk an unbounded correlation pass.
const heavyEventLimit = 50000

// CorrelationRule is one YAML-defined post-scan analysis rule.
type CorrelationRule struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Risk  string `yaml:"risk"`
	Heavy bool   `yaml:"heavy"`
	Match struct {
		EventTypes   []string `yaml:"event_types"`
		MinCount     int      `yaml:"min_count"`
		DataContains string   `yaml:"data_contains"`
	} `yaml:"match"`
	Title string `yaml:"title"`
}

// Validate checks the fields a rule cannot run without.
func (r CorrelationRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule missing id", domain.ErrInvalidArgument)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: rule %s missing name", domain.ErrInvalidArgument, r.ID)
	}
	if len(r.Match.EventTypes) == 0 {
		return fmt.Errorf("%w: rule %s matches no event types", domain.ErrInvalidArgument, r.ID)
	}
	switch r.Risk {
	case "INFO", "LOW", "MEDIUM", "HIGH":
	default:
		return fmt.Errorf("%w: rule %s has unknown risk %q", domain.ErrInvalidArgument, r.ID, r.Risk)
	}
	return nil
}

// minCount defaults to one match.
func (r CorrelationRule) minCount() int {
	if r.Match.MinCount < 1 {
		return 1
	}
	return r.Match.MinCount
}

// Evaluate returns the matching events for this rule.
func (r CorrelationRule) Evaluate(events []domain.Event) []domain.Event {
	types := make(map[string]bool, len(r.Match.EventTypes))
	for _, t := range r.Match.EventTypes {
		types[t] = true
	}
	var matched []domain.Event
	for _, e := range events {
		if !types[e.Type] {
			continue
		}
		if r.Match.DataContains != "" && !strings.Contains(e.Data, r.Match.DataContains) {
			continue
		}
		matched = append(matched, e)
	}
	if len(matched) < r.minCount() {
		return nil
	}
	return matched
}

// RenderTitle expands {count} and {target} placeholders.
func (r CorrelationRule) RenderTitle(count int, target string) string {
	title := r.Title
	if title == "" {
		title = r.Name
	}
	title = strings.ReplaceAll(title, "{count}", fmt.Sprintf("%d", count))
	title = strings.ReplaceAll(title, "{target}", target)
	return title
}

// LoadCorrelationRules reads every .yaml rule under dir, sorted by file
// name for deterministic runs. A missing directory is an empty rule set,
// not an error.
func LoadCorrelationRules(dir string) ([]CorrelationRule, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=correlation.load_rules: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var rules []CorrelationRule
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("op=correlation.load_rules file=%s: %w", name, err)
		}
		var rule CorrelationRule
		if err := yaml.Unmarshal(raw, &rule); err != nil {
			return nil, fmt.Errorf("op=correlation.load_rules file=%s: %w", name, err)
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("op=correlation.load_rules file=%s: %w", name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

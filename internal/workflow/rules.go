package workflow

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/imaistudio/orchestrator/internal/models"
)

// Rule is one heuristic matching rule. Rules live in configs/rules.yaml so
// the phrase lists can be tuned without a rebuild.
type Rule struct {
	Operation     string                 `yaml:"operation"`
	Endpoint      string                 `yaml:"endpoint"`
	Phrases       []string               `yaml:"phrases"`
	Confidence    float64                `yaml:"confidence"`
	Priority      int                    `yaml:"priority"`
	SafeToBypass  bool                   `yaml:"safe_to_bypass"`
	RequiresFiles bool                   `yaml:"requires_files"`
	RequiresVideo bool                   `yaml:"requires_video"`
	Parameters    map[string]interface{} `yaml:"parameters,omitempty"`
}

// RuleSet is the full contents of the rules file.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`

	// Phrases signaling a fresh generation rather than a modification of a
	// prior result. Kept as data: the exact list is a tunable policy, not a
	// contract.
	FreshGenerationPhrases []string `yaml:"fresh_generation_phrases"`
}

// LoadRules reads and validates a rules file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if err := rs.validate(); err != nil {
		return nil, err
	}
	sort.SliceStable(rs.Rules, func(i, j int) bool {
		return rs.Rules[i].Priority > rs.Rules[j].Priority
	})
	return &rs, nil
}

// ValidateRulesFile is the hot-reload validator: parse without applying.
func ValidateRulesFile(path string) error {
	_, err := LoadRules(path)
	return err
}

func (rs *RuleSet) validate() error {
	if len(rs.Rules) == 0 {
		return fmt.Errorf("rules file defines no rules")
	}
	for i, r := range rs.Rules {
		if r.Operation == "" {
			return fmt.Errorf("rule %d: missing operation", i)
		}
		if len(r.Phrases) == 0 {
			return fmt.Errorf("rule %q: no trigger phrases", r.Operation)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("rule %q: confidence %.2f out of [0,1]", r.Operation, r.Confidence)
		}
	}
	return nil
}

// MatchContext carries the request-level flags rules may test against.
type MatchContext struct {
	HasMedia         bool
	HasReference     bool
	ReferenceIsVideo bool
}

// Candidate is a heuristic match: a decision plus whether the rule may skip
// the semantic classifier outright.
type Candidate struct {
	Decision     models.WorkflowDecision
	SafeToBypass bool
}

// Matcher evaluates the rule set against a message. Safe for concurrent use;
// Reload swaps the rule set atomically.
type Matcher struct {
	mu     sync.RWMutex
	rules  *RuleSet
	logger *zap.Logger
}

// NewMatcher creates a Matcher over an already-loaded rule set.
func NewMatcher(rules *RuleSet, logger *zap.Logger) *Matcher {
	return &Matcher{rules: rules, logger: logger}
}

// Reload replaces the rule set from the file, keeping the old set on error.
func (m *Matcher) Reload(path string) error {
	rs, err := LoadRules(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.rules = rs
	m.mu.Unlock()
	m.logger.Info("Heuristic rules reloaded",
		zap.String("path", path),
		zap.Int("rules", len(rs.Rules)),
	)
	return nil
}

// Match scans the message against the rules in priority order and returns
// the best candidate. Additional phrase hits on the winning rule raise its
// confidence slightly, capped below certainty.
func (m *Matcher) Match(message string, mctx MatchContext) (Candidate, bool) {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	lower := strings.ToLower(message)
	for _, r := range rules.Rules {
		if r.RequiresVideo && !mctx.ReferenceIsVideo {
			continue
		}
		hits := 0
		for _, p := range r.Phrases {
			if strings.Contains(lower, p) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}

		confidence := r.Confidence + 0.02*float64(hits-1)
		if confidence > 0.99 {
			confidence = 0.99
		}
		return Candidate{
			Decision: models.WorkflowDecision{
				WorkflowType:    models.WorkflowPromptOnly,
				Confidence:      confidence,
				TargetOperation: r.Operation,
				Parameters:      r.Parameters,
				RequiresFiles:   r.RequiresFiles || mctx.HasMedia,
			},
			SafeToBypass: r.SafeToBypass,
		}, true
	}
	return Candidate{}, false
}

// PrefersFreshGeneration reports whether the message asks for a new result
// rather than a modification of the previous one.
func (m *Matcher) PrefersFreshGeneration(message string) bool {
	m.mu.RLock()
	phrases := m.rules.FreshGenerationPhrases
	m.mu.RUnlock()

	lower := strings.ToLower(message)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Package safety performs deterministic red-flag matching over user
// transcripts. Matching is intentionally naive substring search over
// two ordered lists; localization and tokenization are out of scope.
package safety

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity classifies a red-flag match.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
)

// Verdict is the result of scanning one transcript. A critical verdict
// always carries Interrupt so the coordinator stops assistant audio.
type Verdict struct {
	Severity Severity
	Banner   string
	// Matched is the phrase that produced the verdict. It is PHI-safe
	// (it comes from the rule list, not the transcript) and may be
	// logged and counted.
	Matched   string
	Interrupt bool
}

// Rules holds the ordered phrase lists the scanner matches against.
// Order matters: the first critical match wins, then the first high
// match.
type Rules struct {
	Critical       []string `yaml:"critical"`
	High           []string `yaml:"high"`
	CriticalBanner string   `yaml:"critical_banner"`
	HighBanner     string   `yaml:"high_banner"`
}

// DefaultRules returns the built-in English red-flag lists.
func DefaultRules() Rules {
	return Rules{
		Critical: []string{
			"difficulty breathing",
			"can't breathe",
			"cannot breathe",
			"chest pain",
			"unconscious",
			"not breathing",
			"anaphylaxis",
			"severe bleeding",
			"seizure",
			"overdose",
			"suicidal",
		},
		High: []string{
			"severe",
			"emergency",
			"urgent",
			"immediate",
			"life threatening",
			"getting worse",
		},
		CriticalBanner: "This may be a medical emergency. Call your local emergency number or go to the nearest emergency department now.",
		HighBanner:     "These symptoms may need urgent care. Please contact a medical professional promptly.",
	}
}

// LoadRules reads a YAML rules file, filling any omitted field from the
// defaults so an override file can replace only one list.
func LoadRules(path string) (Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("safety: read rules: %w", err)
	}
	rules := Rules{}
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("safety: parse rules: %w", err)
	}
	def := DefaultRules()
	if len(rules.Critical) == 0 {
		rules.Critical = def.Critical
	}
	if len(rules.High) == 0 {
		rules.High = def.High
	}
	if rules.CriticalBanner == "" {
		rules.CriticalBanner = def.CriticalBanner
	}
	if rules.HighBanner == "" {
		rules.HighBanner = def.HighBanner
	}
	return rules, nil
}

// Scanner matches transcripts against a fixed rule set. It holds no
// mutable state and is safe for concurrent use.
type Scanner struct {
	critical       []string
	high           []string
	criticalBanner string
	highBanner     string
}

// NewScanner builds a scanner from rules, lowercasing every phrase
// once up front.
func NewScanner(rules Rules) *Scanner {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, p := range in {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return &Scanner{
		critical:       lower(rules.Critical),
		high:           lower(rules.High),
		criticalBanner: rules.CriticalBanner,
		highBanner:     rules.HighBanner,
	}
}

// Scan returns a verdict for text, or (zero, false) when nothing
// matches. Critical phrases are checked before high keywords.
func (s *Scanner) Scan(text string) (Verdict, bool) {
	lowered := strings.ToLower(text)
	for _, phrase := range s.critical {
		if strings.Contains(lowered, phrase) {
			return Verdict{
				Severity:  SeverityCritical,
				Banner:    s.criticalBanner,
				Matched:   phrase,
				Interrupt: true,
			}, true
		}
	}
	for _, phrase := range s.high {
		if strings.Contains(lowered, phrase) {
			return Verdict{
				Severity: SeverityHigh,
				Banner:   s.highBanner,
				Matched:  phrase,
			}, true
		}
	}
	return Verdict{}, false
}

// Package reward scores generated text with pattern rules, producing
// the scalar rewards the PPO trainer consumes.
package reward

import (
	"fmt"

	"github.com/dlclark/regexp2"
)

// Scorer maps a generated text to a scalar reward.
type Scorer interface {
	Score(text string) (float64, error)
}

// Rule is a compiled pattern with the reward it contributes per match.
type Rule struct {
	re     *regexp2.Regexp
	weight float64
}

// NewRule compiles pattern into a scoring rule. Patterns may use the
// full regexp2 syntax, including backreferences and lookaround, which
// the stock regexp package cannot express.
func NewRule(pattern string, weight float64) (Rule, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return Rule{}, fmt.Errorf("compiling rule %q: %w", pattern, err)
	}
	return Rule{re: re, weight: weight}, nil
}

// RuleScorer sums a base reward with the weighted match counts of its
// rules.
type RuleScorer struct {
	base  float64
	rules []Rule
}

// NewRuleScorer builds a scorer from a base reward and rules.
func NewRuleScorer(base float64, rules ...Rule) *RuleScorer {
	return &RuleScorer{base: base, rules: rules}
}

// Score counts matches of every rule in text and returns the weighted
// total.
func (s *RuleScorer) Score(text string) (float64, error) {
	total := s.base
	for _, rule := range s.rules {
		match, err := rule.re.FindStringMatch(text)
		if err != nil {
			return 0, err
		}
		for match != nil {
			total += rule.weight
			match, err = rule.re.FindNextMatch(match)
			if err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

// DefaultScorer penalizes immediately repeated words and rewards
// sentence-final punctuation, a cheap proxy for fluent completions.
func DefaultScorer() (*RuleScorer, error) {
	repetition, err := NewRule(`(?i)\b(\w+)\s+\1\b`, -0.5)
	if err != nil {
		return nil, err
	}
	punctuation, err := NewRule(`[.!?](\s|$)`, 0.25)
	if err != nil {
		return nil, err
	}
	return NewRuleScorer(0, repetition, punctuation), nil
}

package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"docflow/internal/stage"
	"docflow/internal/store"
)

type classifyRule struct {
	Label    string   `json:"label"`
	Keywords []string `json:"keywords"`
}

type classifyConfig struct {
	Rules    []classifyRule `json:"rules"`
	Default  string         `json:"default"`
	Source   string         `json:"source"`
	MinScore int            `json:"min_score"`
}

func (c *classifyConfig) validate() error {
	if len(c.Rules) == 0 {
		return errors.New("at least one rule is required")
	}
	for i, r := range c.Rules {
		if r.Label == "" {
			return fmt.Errorf("rules[%d]: label is required", i)
		}
		if len(r.Keywords) == 0 {
			return fmt.Errorf("rules[%d] (%s): keywords are required", i, r.Label)
		}
	}
	if c.MinScore < 0 {
		return errors.New("min_score must not be negative")
	}
	return nil
}

func loadClassifyConfig(raw json.RawMessage) (classifyConfig, error) {
	c := classifyConfig{Source: "text", Default: "unclassified", MinScore: 1}
	if err := decodeConfig(raw, &c); err != nil {
		return c, err
	}
	if c.MinScore == 0 {
		c.MinScore = 1
	}
	return c, c.validate()
}

// classify scores keyword rules against text produced by an earlier stage.
// The highest score wins; ties go to the rule listed first.
type classify struct{}

func (classify) ValidateConfig(cfg json.RawMessage) error {
	_, err := loadClassifyConfig(cfg)
	return err
}

func (classify) Run(ctx context.Context, doc store.Document, cfg json.RawMessage, sc stage.Context) stage.Result {
	c, err := loadClassifyConfig(cfg)
	if err != nil {
		return stage.Invalid("%v", err)
	}
	text, ok := sourceText(sc.Prior, c.Source)
	if !ok {
		return stage.Invalid("classify needs %q from an earlier stage", c.Source)
	}
	text = strings.ToLower(text)

	label, best := c.Default, 0
	scores := make(map[string]any, len(c.Rules))
	for _, r := range c.Rules {
		score := 0
		for _, kw := range r.Keywords {
			score += strings.Count(text, strings.ToLower(kw))
		}
		scores[r.Label] = score
		if score > best {
			label, best = r.Label, score
		}
	}
	if best < c.MinScore {
		label, best = c.Default, 0
	}

	return stage.Success(map[string]any{
		"classification":        label,
		"classification_score":  best,
		"classification_scores": scores,
	})
}

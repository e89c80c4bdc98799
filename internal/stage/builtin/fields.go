package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"docflow/internal/stage"
	"docflow/internal/store"
)

type fieldRule struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	// All collects every match instead of the first.
	All bool `json:"all"`
}

type extractFieldsConfig struct {
	Source string      `json:"source"`
	Fields []fieldRule `json:"fields"`
}

type compiledField struct {
	fieldRule
	re *regexp.Regexp
}

func compileFields(raw json.RawMessage) (string, []compiledField, error) {
	c := extractFieldsConfig{Source: "text"}
	if err := decodeConfig(raw, &c); err != nil {
		return "", nil, err
	}
	if len(c.Fields) == 0 {
		return "", nil, errors.New("at least one field is required")
	}
	seen := make(map[string]bool, len(c.Fields))
	out := make([]compiledField, 0, len(c.Fields))
	for i, f := range c.Fields {
		if f.Name == "" {
			return "", nil, fmt.Errorf("fields[%d]: name is required", i)
		}
		if seen[f.Name] {
			return "", nil, fmt.Errorf("fields[%d]: duplicate name %q", i, f.Name)
		}
		seen[f.Name] = true
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return "", nil, fmt.Errorf("fields[%d] (%s): %w", i, f.Name, err)
		}
		out = append(out, compiledField{fieldRule: f, re: re})
	}
	return c.Source, out, nil
}

// extractFields applies named regular expressions to text. The first capture group is
// the value when the pattern has one, the whole match otherwise.
type extractFields struct{}

func (extractFields) ValidateConfig(cfg json.RawMessage) error {
	_, _, err := compileFields(cfg)
	return err
}

func (extractFields) Run(ctx context.Context, doc store.Document, cfg json.RawMessage, sc stage.Context) stage.Result {
	source, fields, err := compileFields(cfg)
	if err != nil {
		return stage.Invalid("%v", err)
	}
	text, ok := sourceText(sc.Prior, source)
	if !ok {
		return stage.Invalid("extract_fields needs %q from an earlier stage", source)
	}

	found := make(map[string]any, len(fields))
	missing := make([]any, 0)
	for _, f := range fields {
		if f.All {
			matches := f.re.FindAllStringSubmatch(text, -1)
			if len(matches) == 0 {
				missing = append(missing, f.Name)
				continue
			}
			values := make([]any, 0, len(matches))
			for _, m := range matches {
				values = append(values, matchValue(m))
			}
			found[f.Name] = values
			continue
		}
		m := f.re.FindStringSubmatch(text)
		if m == nil {
			missing = append(missing, f.Name)
			continue
		}
		found[f.Name] = matchValue(m)
	}

	return stage.Success(map[string]any{
		"fields":         found,
		"fields_missing": missing,
	})
}

func matchValue(m []string) string {
	if len(m) > 1 {
		return m[1]
	}
	return m[0]
}

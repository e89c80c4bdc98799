package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"docflow/internal/stage"
	"docflow/internal/store"
)

type validateConfig struct {
	Required []string `json:"required"`
	// NonEmpty also rejects empty strings, lists and objects.
	NonEmpty bool `json:"non_empty"`
}

// validate checks that earlier stages produced the metadata the rest of the system expects.
// Keys may be dotted paths into nested objects.
type validate struct{}

func (validate) ValidateConfig(cfg json.RawMessage) error {
	var c validateConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return err
	}
	if len(c.Required) == 0 {
		return errors.New("required must list at least one key")
	}
	for _, k := range c.Required {
		if strings.TrimSpace(k) == "" {
			return errors.New("required keys must not be blank")
		}
	}
	return nil
}

func (validate) Run(ctx context.Context, doc store.Document, cfg json.RawMessage, sc stage.Context) stage.Result {
	var c validateConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return stage.Invalid("%v", err)
	}

	var missing []string
	for _, key := range c.Required {
		v, ok := lookup(sc.Prior, key)
		if !ok || v == nil || (c.NonEmpty && isEmpty(v)) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return stage.Failure("missing required metadata: %s", strings.Join(missing, ", "))
	}
	return stage.Success(map[string]any{"validated": true})
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// Package builtin holds the stage handlers shipped with docflow.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"docflow/internal/stage"
	"docflow/internal/stage/runtime"
	"docflow/internal/store"
)

// Stage types registered by Register.
const (
	TypeDetectMediaType = "detect_media_type"
	TypeTextExtract     = "text_extract"
	TypeClassify        = "classify"
	TypeExtractFields   = "extract_fields"
	TypeValidate        = "validate"
	TypeCommand         = "command"
)

var errNoStorage = errors.New("no document storage configured")

// Register adds every built-in stage to r. The command stage is only registered when rt is set.
func Register(r *stage.Registry, rt runtime.Runtime) error {
	factories := map[string]stage.Factory{
		TypeDetectMediaType: func() stage.Handler { return detectMediaType{} },
		TypeTextExtract:     func() stage.Handler { return textExtract{} },
		TypeClassify:        func() stage.Handler { return classify{} },
		TypeExtractFields:   func() stage.Handler { return extractFields{} },
		TypeValidate:        func() stage.Handler { return validate{} },
	}
	if rt != nil {
		factories[TypeCommand] = func() stage.Handler { return command{runtime: rt} }
	}
	for name, f := range factories {
		if err := r.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// decodeConfig strictly decodes a stage configuration. An empty blob leaves v untouched.
func decodeConfig(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func readDocument(ctx context.Context, doc store.Document, sc stage.Context) ([]byte, error) {
	if sc.Storage == nil {
		return nil, errNoStorage
	}
	return sc.Storage.ReadDocumentBytes(ctx, doc)
}

// lookup resolves a dotted path such as "fields.invoice_number" in decoded metadata.
func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// sourceText returns the string stored under key by an earlier stage.
func sourceText(prior map[string]any, key string) (string, bool) {
	v, ok := lookup(prior, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime"
	"strings"
	"unicode/utf8"

	"docflow/internal/stage"
	"docflow/internal/store"

	"github.com/gabriel-vasile/mimetype"
)

const defaultMaxTextBytes = 4 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type textExtractConfig struct {
	MaxBytes int `json:"max_bytes"`
}

// textExtract decodes textual documents into plain text with simple counts.
type textExtract struct{}

func (textExtract) ValidateConfig(cfg json.RawMessage) error {
	var c textExtractConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return err
	}
	if c.MaxBytes < 0 {
		return errors.New("max_bytes must not be negative")
	}
	return nil
}

func (textExtract) Run(ctx context.Context, doc store.Document, cfg json.RawMessage, sc stage.Context) stage.Result {
	c := textExtractConfig{MaxBytes: defaultMaxTextBytes}
	if err := decodeConfig(cfg, &c); err != nil {
		return stage.Invalid("%v", err)
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = defaultMaxTextBytes
	}

	b, err := readDocument(ctx, doc, sc)
	if err != nil {
		return stage.Failure("read document: %v", err)
	}

	mediaType := doc.MediaType
	if detected, ok := sourceText(sc.Prior, "detected_media_type"); ok {
		mediaType = detected
	}
	if !isTextual(mediaType, b) {
		return stage.Invalid("media type %q is not textual", mediaType)
	}

	b = bytes.TrimPrefix(b, utf8BOM)
	truncated := false
	if len(b) > c.MaxBytes {
		n := c.MaxBytes
		for n > 0 && !utf8.RuneStart(b[n]) {
			n--
		}
		b = b[:n]
		truncated = true
	}
	text := strings.ToValidUTF8(string(b), "�")

	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
		if strings.HasSuffix(text, "\n") {
			lines--
		}
	}

	return stage.Success(map[string]any{
		"text":           text,
		"line_count":     lines,
		"word_count":     len(strings.Fields(text)),
		"char_count":     utf8.RuneCountInString(text),
		"text_truncated": truncated,
	})
}

var textualTypes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/javascript": true,
	"application/x-ndjson":   true,
	"application/yaml":       true,
}

func isTextual(mediaType string, b []byte) bool {
	if base, _, err := mime.ParseMediaType(mediaType); err == nil {
		if strings.HasPrefix(base, "text/") || textualTypes[base] || strings.HasSuffix(base, "+json") || strings.HasSuffix(base, "+xml") {
			return true
		}
	}
	for mt := mimetype.Detect(b); mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

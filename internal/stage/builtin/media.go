package builtin

import (
	"context"
	"encoding/json"

	"docflow/internal/stage"
	"docflow/internal/store"

	"github.com/gabriel-vasile/mimetype"
)

// detectMediaType sniffs the document content and compares it with the declared media type.
type detectMediaType struct{}

func (detectMediaType) ValidateConfig(cfg json.RawMessage) error {
	var c struct{}
	return decodeConfig(cfg, &c)
}

func (detectMediaType) Run(ctx context.Context, doc store.Document, cfg json.RawMessage, sc stage.Context) stage.Result {
	b, err := readDocument(ctx, doc, sc)
	if err != nil {
		return stage.Failure("read document: %v", err)
	}

	mt := mimetype.Detect(b)
	out := map[string]any{
		"detected_media_type": mt.String(),
		"detected_extension":  mt.Extension(),
		"size_bytes":          len(b),
	}
	if doc.MediaType != "" {
		out["media_type_matches"] = mt.Is(doc.MediaType)
	}
	return stage.Success(out)
}

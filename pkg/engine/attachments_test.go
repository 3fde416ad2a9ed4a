package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-ai/arion/pkg/services"
)

func TestResolveInputs_ExplicitKind(t *testing.T) {
	ing := NewIngestor(nil, nil, nil, nil)

	items, _, err := ing.ResolveInputs(context.Background(), "t-1", []AttachmentRef{
		{URL: "https://cdn.example.com/a.png", Kind: "image", MimeType: "image/png"},
		{URL: "https://cdn.example.com/b.png", Kind: "file", MimeType: "image/png"},
		{URL: "https://cdn.example.com/c.png", MimeType: "image/png"},
		{URL: "https://cdn.example.com/d.pdf", MimeType: "application/pdf"},
	})
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, "image", items[0].Type)
	assert.Equal(t, "file", items[1].Type, "explicit kind wins over the mime type")
	assert.Equal(t, "image", items[2].Type, "empty kind infers from the mime type")
	assert.Equal(t, "file", items[3].Type)
}

func TestResolveInputs_ImageKindRequiresImageMime(t *testing.T) {
	ing := NewIngestor(nil, nil, nil, nil)

	_, _, err := ing.ResolveInputs(context.Background(), "t-1", []AttachmentRef{
		{URL: "https://cdn.example.com/report.pdf", Kind: "image", MimeType: "application/pdf"},
	})
	var verr *services.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "attachments", verr.Field)
}

func TestResolveInputs_UnknownKind(t *testing.T) {
	ing := NewIngestor(nil, nil, nil, nil)

	_, _, err := ing.ResolveInputs(context.Background(), "t-1", []AttachmentRef{
		{URL: "https://cdn.example.com/a.png", Kind: "hologram", MimeType: "image/png"},
	})
	var verr *services.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestResolveInputs_RequiresSource(t *testing.T) {
	ing := NewIngestor(nil, nil, nil, nil)

	_, _, err := ing.ResolveInputs(context.Background(), "t-1", []AttachmentRef{
		{Kind: "image", MimeType: "image/png"},
	})
	var verr *services.ValidationError
	require.ErrorAs(t, err, &verr)
}

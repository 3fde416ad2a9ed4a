package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/provider"
	"github.com/arion-ai/arion/pkg/services"
	"github.com/arion-ai/arion/pkg/storage"
	"github.com/arion-ai/arion/pkg/stream"
	"github.com/arion-ai/arion/pkg/usage"
)

// assetNamespace seeds deterministic asset ids from (tenant, object key), so
// re-ingesting identical content re-targets the same row.
var assetNamespace = uuid.MustParse("6c0de7b1-4f3a-4b52-9e61-8d7f20c3a915")

// presignTTL bounds how long resolved attachment URLs stay fetchable.
const presignTTL = 15 * time.Minute

// Attachment kinds a caller may request explicitly. Empty infers from the
// mime type.
const (
	attachmentKindImage = "image"
	attachmentKindFile  = "file"
)

// AttachmentRef is a client-supplied inbound attachment: either a previously
// uploaded asset or an external URL. Kind forces how the provider receives
// it; "image" requires an image/* mime type.
type AttachmentRef struct {
	AssetID  string `json:"asset_id,omitempty"`
	URL      string `json:"url,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ContainerFileGateway fetches provider-hosted container files so generated
// artifacts referenced by id can be persisted locally.
type ContainerFileGateway interface {
	FetchFile(ctx context.Context, containerFileID string) (data []byte, mimeType string, err error)
}

// Ingestor moves attachments across the provider boundary: inbound refs
// become provider input items with presigned URLs, and generated images in
// run items are persisted to the object store under content-hash keys.
// A nil *Ingestor is valid and disables both directions.
type Ingestor struct {
	store    storage.ObjectStore
	db       *database.Client
	recorder *usage.Recorder
	gateway  ContainerFileGateway
}

// NewIngestor creates an attachment ingestor. recorder may be nil (storage
// usage not counted); gateway may be nil (container file ids are skipped).
func NewIngestor(store storage.ObjectStore, db *database.Client, recorder *usage.Recorder, gateway ContainerFileGateway) *Ingestor {
	return &Ingestor{store: store, db: db, recorder: recorder, gateway: gateway}
}

// ResolveInputs turns inbound attachment refs into provider input items. Asset
// refs are presigned from the object store; URL refs pass through. Returns
// the input items and the attachment metadata to store on the user message.
func (i *Ingestor) ResolveInputs(ctx context.Context, tenantID string, refs []AttachmentRef) ([]provider.InputItem, models.JSONB, error) {
	if i == nil || len(refs) == 0 {
		return nil, nil, nil
	}

	items := make([]provider.InputItem, 0, len(refs))
	attachments := make([]models.Attachment, 0, len(refs))
	for _, ref := range refs {
		switch {
		case ref.AssetID != "":
			var asset models.Asset
			err := i.db.GetContext(ctx, &asset, `
				SELECT * FROM assets WHERE id = $1 AND tenant_id = $2`,
				ref.AssetID, tenantID)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: asset %s", services.ErrNotFound, ref.AssetID)
			}
			if err := validateKind(ref.Kind, asset.MimeType); err != nil {
				return nil, nil, err
			}
			url, err := i.store.PresignedGetURL(ctx, asset.ObjectID, presignTTL)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to presign asset %s: %w", asset.ID, err)
			}
			items = append(items, inputItem(ref.Kind, url, asset.Filename, asset.MimeType))
			attachments = append(attachments, models.Attachment{
				ObjectID:     asset.ObjectID,
				Filename:     asset.Filename,
				MimeType:     asset.MimeType,
				SizeBytes:    asset.SizeBytes,
				PresignedURL: url,
			})

		case ref.URL != "":
			if err := validateKind(ref.Kind, ref.MimeType); err != nil {
				return nil, nil, err
			}
			items = append(items, inputItem(ref.Kind, ref.URL, ref.Filename, ref.MimeType))
			attachments = append(attachments, models.Attachment{
				Filename:     ref.Filename,
				MimeType:     ref.MimeType,
				PresignedURL: ref.URL,
			})

		default:
			return nil, nil, services.NewValidationError("attachments", "each attachment needs an asset_id or url")
		}
	}

	meta, err := models.MarshalJSONB(attachments)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode attachment metadata: %w", err)
	}
	return items, meta, nil
}

// validateKind rejects unknown kinds and the image kind on non-image content.
func validateKind(kind, mimeType string) error {
	switch kind {
	case "", attachmentKindFile:
		return nil
	case attachmentKindImage:
		if !strings.HasPrefix(mimeType, "image/") {
			return services.NewValidationError("attachments",
				fmt.Sprintf("kind %q requires an image/* mime type, got %q", kind, mimeType))
		}
		return nil
	default:
		return services.NewValidationError("attachments", fmt.Sprintf("unknown attachment kind %q", kind))
	}
}

// inputItem shapes the provider input. An explicit kind wins; otherwise the
// mime type decides image versus file.
func inputItem(kind, url, filename, mimeType string) provider.InputItem {
	asImage := kind == attachmentKindImage
	if kind == "" {
		asImage = strings.HasPrefix(mimeType, "image/")
	}
	if asImage {
		return provider.InputItem{Type: "image", ImageURL: url, Filename: filename, MimeType: mimeType}
	}
	return provider.InputItem{Type: "file", FileURL: url, Filename: filename, MimeType: mimeType}
}

// IngestedSet collects the attachments a run's item hook produced, keyed by
// the run item that generated them. Nil-safe: a nil set reports nothing.
type IngestedSet struct {
	mu         sync.Mutex
	byItem     map[*provider.RunItem][]models.Attachment
	byToolCall map[string][]models.Attachment
	all        []models.Attachment
}

// ForItem returns the stored attachment metadata for one run item.
func (s *IngestedSet) ForItem(item *provider.RunItem) models.JSONB {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	atts := s.byItem[item]
	if len(atts) == 0 {
		return nil
	}
	meta, err := models.MarshalJSONB(atts)
	if err != nil {
		return nil
	}
	return meta
}

// All returns every attachment the run produced, in ingestion order.
func (s *IngestedSet) All() models.JSONB {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.all) == 0 {
		return nil
	}
	meta, err := models.MarshalJSONB(s.all)
	if err != nil {
		return nil
	}
	return meta
}

func (s *IngestedSet) add(item *provider.RunItem, atts []models.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byItem[item] = atts
	if item.ToolCallID != "" {
		s.byToolCall[item.ToolCallID] = atts
	}
	s.all = append(s.all, atts...)
}

func (s *IngestedSet) forToolCall(toolCallID string) ([]models.Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	atts, ok := s.byToolCall[toolCallID]
	return atts, ok
}

// Hook returns the stream item hook that persists generated images, plus the
// set collecting what it ingested. A nil ingestor returns a nil hook and set.
func (i *Ingestor) Hook(tenantID, conversationID string, userID *string) (stream.ItemHook, *IngestedSet) {
	if i == nil {
		return nil, nil
	}
	set := &IngestedSet{
		byItem:     make(map[*provider.RunItem][]models.Attachment),
		byToolCall: make(map[string][]models.Attachment),
	}
	hook := func(ctx context.Context, item *provider.RunItem) (map[string]any, error) {
		atts, err := i.ingestItem(ctx, tenantID, userID, item, set)
		if err != nil {
			return nil, err
		}
		if len(atts) == 0 {
			return nil, nil
		}
		set.add(item, atts)
		return map[string]any{"attachments": atts}, nil
	}
	return hook, set
}

// ingestItem persists a run item's generated artifacts. Repeated items for
// the same tool call reuse the first ingestion instead of writing again.
func (i *Ingestor) ingestItem(ctx context.Context, tenantID string, userID *string, item *provider.RunItem, set *IngestedSet) ([]models.Attachment, error) {
	if item.ToolCallID != "" {
		if atts, ok := set.forToolCall(item.ToolCallID); ok {
			return atts, nil
		}
	}

	var atts []models.Attachment
	if item.Type == models.RunItemImage && len(item.ImageData) > 0 {
		att, err := i.persist(ctx, tenantID, userID, item.ImageData, item.ImageMime, item.ToolCallID, "")
		if err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}

	for _, fileID := range item.ContainerFileIDs {
		if i.gateway == nil {
			slog.Debug("Container file skipped, no gateway configured",
				"container_file_id", fileID)
			continue
		}
		data, mimeType, err := i.gateway.FetchFile(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch container file %s: %w", fileID, err)
		}
		att, err := i.persist(ctx, tenantID, userID, data, mimeType, item.ToolCallID, fileID)
		if err != nil {
			return nil, err
		}
		atts = append(atts, att)
	}
	return atts, nil
}

// persist writes one artifact under its content-hash key and records the
// asset row. Identical content maps to the same key and asset id, so retried
// ingestion is a no-op; storage usage counts only first-time inserts.
func (i *Ingestor) persist(ctx context.Context, tenantID string, userID *string, data []byte, mimeType, toolCallID, containerFileID string) (models.Attachment, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	filename := hash[:12] + extensionFor(mimeType)
	key := storage.AssetKey(tenantID, hash, filename)

	if err := i.store.Put(ctx, key, data, mimeType); err != nil {
		return models.Attachment{}, fmt.Errorf("failed to store artifact: %w", err)
	}

	assetID := uuid.NewSHA1(assetNamespace, []byte(tenantID+"/"+key)).String()
	res, err := i.db.ExecContext(ctx, `
		INSERT INTO assets (id, tenant_id, object_id, filename, mime_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		assetID, tenantID, key, filename, mimeType, len(data))
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to record asset: %w", err)
	}
	if inserted, _ := res.RowsAffected(); inserted > 0 && i.recorder != nil {
		if err := i.recorder.RecordStorage(ctx, tenantID, userID, int64(len(data))); err != nil {
			slog.Error("Storage usage recording failed", "tenant_id", tenantID, "error", err)
		}
	}

	url, err := i.store.PresignedGetURL(ctx, key, presignTTL)
	if err != nil {
		slog.Warn("Artifact presign failed, attachment emitted without URL",
			"object_key", key, "error", err)
		url = ""
	}

	return models.Attachment{
		ObjectID:        key,
		Filename:        filename,
		MimeType:        mimeType,
		SizeBytes:       int64(len(data)),
		ToolCallID:      toolCallID,
		ContainerFileID: containerFileID,
		PresignedURL:    url,
	}, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}

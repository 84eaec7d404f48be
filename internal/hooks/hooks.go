// Package hooks reacts to item lifecycle events and ingests annotation
// payloads that arrive asynchronously from processing jobs.  Hook failures
// are logged but never abort the triggering operation.
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wholeslide/annostore/internal/store"
	"github.com/wholeslide/annostore/pkg/geojson"
	"github.com/wholeslide/annostore/pkg/geometry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// The recent-identifier cache correlates upload references across events.
const (
	identifierCacheSize = 100
	identifierCacheTTL  = 86400 * time.Second
)

// uploadIdentifier marks a processed file as an annotation upload.
const uploadIdentifier = "AnnotationUpload"

// Reference accompanies an asynchronously processed file and names the
// item, user and upload batch it belongs to.
type Reference struct {
	Identifier string `json:"identifier"`
	UUID       string `json:"uuid,omitempty"`
	UserID     string `json:"userId,omitempty"`
	ItemID     string `json:"itemId,omitempty"`
	FileID     string `json:"fileId,omitempty"`
}

// batchRecord tracks the identifiers seen for one upload batch and an
// optional reprocess callback waiting on unresolved references.
type batchRecord struct {
	mu          sync.Mutex
	identifiers map[string]Reference
	reprocess   func()
}

// Hooks wires lifecycle reactions to the store.
type Hooks struct {
	store *store.Store
	log   *zap.Logger

	recentIdentifiers *expirable.LRU[string, *batchRecord]
}

// New builds the hook set.
func New(st *store.Store, log *zap.Logger) *Hooks {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hooks{
		store: st,
		log:   log,
		recentIdentifiers: expirable.NewLRU[string, *batchRecord](
			identifierCacheSize, nil, identifierCacheTTL),
	}
}

// OnItemRemove deletes an item and marks (or deletes) its annotations per
// the history setting.
func (h *Hooks) OnItemRemove(ctx context.Context, item *store.Item) {
	if err := h.store.MarkItemAnnotationsRemoved(ctx, item.ID); err != nil {
		h.log.Error("item remove hook failed",
			zap.String("item", item.ID), zap.Error(err))
	}
	if err := h.store.DeleteItem(ctx, item.ID); err != nil {
		h.log.Error("item remove failed",
			zap.String("item", item.ID), zap.Error(err))
	}
}

// CopyItem clones an item into a destination folder.  Unless copyAnnotations
// is explicitly false, the source item's active annotations are cloned under
// the new item with the destination folder's access and public flag.
func (h *Hooks) CopyItem(ctx context.Context, src *store.Item, destFolderID, name string, copyAnnotations bool) (*store.Item, error) {
	if name == "" {
		name = src.Name
	}
	dest := &store.Item{
		FolderID: destFolderID,
		Name:     name,
		Meta:     src.Meta,
	}
	if err := h.store.CreateItem(ctx, dest); err != nil {
		return nil, err
	}
	if copyAnnotations {
		count, err := h.store.CopyItemAnnotations(ctx, src.ID, dest)
		if err != nil {
			h.log.Error("item copy hook failed",
				zap.String("from", src.ID), zap.String("to", dest.ID), zap.Error(err))
		} else {
			h.log.Info("copied annotations",
				zap.Int("count", count),
				zap.String("from", src.ID), zap.String("to", dest.ID))
		}
	}
	return dest, nil
}

// ProcessUpload ingests an annotation file produced by a processing job.
// The body may be a single annotation, a list, model records wrapping
// annotations, or GeoJSON.  Elements referencing other uploads by refId
// (among the first 100 elements of each annotation) are resolved through
// the recent-identifier cache; if some references are
// still in flight the upload is parked and reprocessed when they land.
func (h *Hooks) ProcessUpload(ctx context.Context, ref Reference, data []byte) error {
	h.recordIdentifier(ref)
	if ref.Identifier != uploadIdentifier {
		return nil
	}
	item, err := h.store.GetItem(ctx, ref.ItemID)
	if err != nil || item == nil {
		return errors.Errorf("upload reference names missing item %s", ref.ItemID)
	}
	user, err := h.store.GetUser(ctx, ref.UserID)
	if err != nil || user == nil {
		return errors.Errorf("upload reference names missing user %s", ref.UserID)
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return errors.Wrap(err, "parse annotation upload")
	}
	bodies, err := ParseBodies(decoded)
	if err != nil {
		return err
	}
	if !h.resolveReferences(ctx, ref, bodies, func() {
		if err := h.ProcessUpload(context.Background(), ref, data); err != nil {
			h.log.Error("reprocessing annotation upload failed", zap.Error(err))
		}
	}) {
		h.log.Info("parked annotation upload awaiting references",
			zap.String("uuid", ref.UUID))
		return nil
	}
	for _, body := range bodies {
		if _, err := h.store.Create(ctx, item, user, body, nil); err != nil {
			return errors.Wrap(err, "create annotation from upload")
		}
	}
	return nil
}

func (h *Hooks) recordIdentifier(ref Reference) {
	if ref.UUID == "" || ref.Identifier == "" {
		return
	}
	record, ok := h.recentIdentifiers.Get(ref.UUID)
	if !ok {
		record = &batchRecord{identifiers: map[string]Reference{}}
		h.recentIdentifiers.Add(ref.UUID, record)
	}
	record.mu.Lock()
	record.identifiers[ref.Identifier] = ref
	reprocess := record.reprocess
	record.reprocess = nil
	record.mu.Unlock()
	if reprocess != nil {
		reprocess()
	}
}

// resolveReferences rewrites refId references that point at other uploads
// in the same batch.  Only the first 100 elements of each body are
// examined; references further on are left as they are.  Returns false
// when a reference is not yet available;
// the reprocess callback fires when it arrives.
func (h *Hooks) resolveReferences(ctx context.Context, ref Reference, bodies []store.Body, reprocess func()) bool {
	var pending []geometry.Element
	for _, body := range bodies {
		limit := len(body.Elements)
		if limit > 100 {
			limit = 100
		}
		for _, element := range body.Elements[:limit] {
			refID, ok := element["refId"].(string)
			if !ok {
				continue
			}
			if item, err := h.store.GetItem(ctx, refID); err == nil && item != nil {
				continue
			}
			pending = append(pending, element)
		}
	}
	if len(pending) == 0 {
		return true
	}
	record, ok := h.recentIdentifiers.Get(ref.UUID)
	if !ok {
		return true
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	for _, element := range pending {
		refID, _ := element["refId"].(string)
		if _, resolved := record.identifiers[refID]; !resolved {
			record.reprocess = reprocess
			return false
		}
	}
	for _, element := range pending {
		refID, _ := element["refId"].(string)
		element["refId"] = record.identifiers[refID].ItemID
	}
	return true
}

// ParseBodies normalizes an annotation payload into annotation bodies.  The
// payload may be a single annotation, a list, model records wrapping
// annotations under the annotation key, or GeoJSON.
func ParseBodies(decoded any) ([]store.Body, error) {
	if geojson.IsGeoJSON(decoded) {
		parsed, err := geojson.FromJSON(decoded)
		if err != nil {
			return nil, err
		}
		body := store.Body{Elements: parsed.Elements}
		if name, ok := parsed.Body["name"].(string); ok {
			body.Name = name
		}
		if body.Name == "" {
			body.Name = "Annotation"
		}
		if description, ok := parsed.Body["description"].(string); ok {
			body.Description = description
		}
		if attributes, ok := parsed.Body["attributes"].(map[string]any); ok {
			body.Attributes = attributes
		}
		return []store.Body{body}, nil
	}
	entries, ok := decoded.([]any)
	if !ok {
		entries = []any{decoded}
	}
	bodies := make([]store.Body, 0, len(entries))
	for _, entry := range entries {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, errors.New("entries in the annotation list must be JSON objects")
		}
		// Full model records wrap the annotation under the annotation key.
		if inner, ok := obj["annotation"].(map[string]any); ok {
			obj = inner
		}
		body, err := BodyFromJSON(obj)
		if err != nil {
			return nil, err
		}
		bodies = append(bodies, body)
	}
	return bodies, nil
}

// BodyFromJSON converts a decoded annotation object into a Body.
func BodyFromJSON(obj map[string]any) (store.Body, error) {
	var body store.Body
	if name, ok := obj["name"].(string); ok {
		body.Name = name
	}
	if description, ok := obj["description"].(string); ok {
		body.Description = description
	}
	if attributes, ok := obj["attributes"].(map[string]any); ok {
		body.Attributes = attributes
	}
	if rawElements, ok := obj["elements"].([]any); ok {
		body.Elements = make([]geometry.Element, 0, len(rawElements))
		for _, raw := range rawElements {
			element, ok := raw.(map[string]any)
			if !ok {
				return body, errors.New("annotation elements must be JSON objects")
			}
			body.Elements = append(body.Elements, geometry.Element(element))
		}
	}
	return body, nil
}

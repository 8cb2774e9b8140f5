// Package asset tracks every artifact produced by workflow execution and
// bridges artifact identity across the backend's storage namespaces so one
// job's output can feed the next job's input.
package asset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"comfy-mcp/server/internal/logging"
)

// ErrAssetNotFound is returned when an asset id is unknown or expired.
// An expired record behaves identically to an absent one.
var ErrAssetNotFound = errors.New("asset not found")

// ResolutionError reports a failed cross-namespace transfer. The underlying
// record stays valid; resolution may be retried.
type ResolutionError struct {
	AssetID string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve asset %s for chaining: %v", e.AssetID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Category is the MIME classification of a record, decided once at
// registration time.
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
	CategoryAudio Category = "audio"
	CategoryMesh  Category = "mesh"
	CategoryOther Category = "other"
)

// Classify maps a MIME type to its Category.
func Classify(mimeType string) Category {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return CategoryImage
	case strings.HasPrefix(mimeType, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mimeType, "model/"):
		return CategoryMesh
	}
	return CategoryOther
}

// Record is one tracked artifact. Owned exclusively by the Registry.
type Record struct {
	ID         string                 `json:"asset_id"`
	Filename   string                 `json:"filename"`
	Subfolder  string                 `json:"subfolder"`
	Namespace  string                 `json:"namespace"` // output, input, temp
	MimeType   string                 `json:"mime_type"`
	Category   Category               `json:"category"`
	Width      int                    `json:"width,omitempty"`
	Height     int                    `json:"height,omitempty"`
	Bytes      int64                  `json:"bytes"`
	TemplateID string                 `json:"template_id"`
	JobID      string                 `json:"job_id"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
}

// Transfer moves artifact bytes between the backend's storage namespaces.
type Transfer interface {
	FetchOutput(ctx context.Context, filename, subfolder, folderType string) ([]byte, error)
	UploadInput(ctx context.Context, filename string, data []byte, mimeType string, overwrite bool) (string, error)
}

// Registry is the in-memory asset store. Records expire after their TTL;
// expiry is lazy, the periodic janitor only reclaims memory. Ids are uuids
// and never reused.
type Registry struct {
	cache      *gocache.Cache
	transfer   Transfer
	logger     *logging.Logger
	defaultTTL time.Duration

	mu       sync.Mutex
	identity map[string]string // filename:subfolder:namespace -> asset id
}

// NewRegistry creates a Registry. cleanupInterval controls the background
// janitor; pass 0 to disable sweeping (lazy expiry is still correct).
func NewRegistry(defaultTTL, cleanupInterval time.Duration, transfer Transfer, logger *logging.Logger) *Registry {
	r := &Registry{
		cache:      gocache.New(defaultTTL, cleanupInterval),
		transfer:   transfer,
		logger:     logger,
		defaultTTL: defaultTTL,
		identity:   make(map[string]string),
	}
	r.cache.OnEvicted(func(id string, v interface{}) {
		if rec, ok := v.(*Record); ok {
			r.mu.Lock()
			if r.identity[identityKey(rec)] == id {
				delete(r.identity, identityKey(rec))
			}
			r.mu.Unlock()
		}
	})
	return r
}

func identityKey(rec *Record) string {
	return rec.Namespace + ":" + rec.Subfolder + ":" + rec.Filename
}

// copyRecord snapshots a stored record, including its metadata map. Caller
// must hold r.mu so the snapshot cannot race a metadata merge.
func copyRecord(rec *Record) *Record {
	cp := *rec
	if rec.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(rec.Metadata))
		for k, v := range rec.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Register stores a record, assigning a fresh id and expiry. A non-positive
// ttl falls back to the registry default. Re-registering the same identity
// while a live record exists returns the existing record with metadata
// merged, so one physical artifact keeps one id.
func (r *Registry) Register(rec Record, ttl time.Duration) *Record {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := identityKey(&rec)
	if existingID, ok := r.identity[key]; ok {
		if v, live := r.cache.Get(existingID); live {
			existing := v.(*Record)
			for k, val := range rec.Metadata {
				if existing.Metadata == nil {
					existing.Metadata = make(map[string]interface{})
				}
				existing.Metadata[k] = val
			}
			return copyRecord(existing)
		}
		delete(r.identity, key)
	}

	rec.ID = uuid.New().String()
	rec.Category = Classify(rec.MimeType)
	rec.CreatedAt = time.Now()
	rec.ExpiresAt = rec.CreatedAt.Add(ttl)

	// Store a private snapshot; the caller keeps its own copy.
	r.cache.Set(rec.ID, copyRecord(&rec), ttl)
	r.identity[key] = rec.ID
	return &rec
}

// Get returns a copy of the record if present and not expired. Callers get
// snapshots only; the stored record is owned by the registry.
func (r *Registry) Get(id string) (*Record, bool) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyRecord(v.(*Record)), true
}

// List returns copies of live records newest-first, optionally filtered by
// producing template.
func (r *Registry) List(limit int, templateID string) []*Record {
	items := r.cache.Items()

	r.mu.Lock()
	records := make([]*Record, 0, len(items))
	for _, item := range items {
		rec := item.Object.(*Record)
		if templateID != "" && rec.TemplateID != templateID {
			continue
		}
		records = append(records, copyRecord(rec))
	}
	r.mu.Unlock()
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// Count returns the number of live records.
func (r *Registry) Count() int {
	return r.cache.ItemCount()
}

// ResolveForChaining turns an asset id into an input filename usable by a
// later workflow stage.
//
// Media records (image, video, audio) living in the output namespace are
// fetched from there and pushed into the input namespace, because the
// backend only accepts input-namespace references in a LoadImage-style
// node. Everything else is already addressed by a stable path and is
// returned unchanged. No lock is held across the transfer; a transport
// failure leaves the record valid for a later retry.
func (r *Registry) ResolveForChaining(ctx context.Context, id string) (string, error) {
	rec, ok := r.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAssetNotFound, id)
	}

	needsBridge := rec.Namespace == "output" &&
		(rec.Category == CategoryImage || rec.Category == CategoryVideo || rec.Category == CategoryAudio)
	if !needsBridge {
		r.logger.Debug("asset %s (%s) referenced by stable path %s", id, rec.Category, rec.Filename)
		return rec.Filename, nil
	}

	data, err := r.transfer.FetchOutput(ctx, rec.Filename, rec.Subfolder, rec.Namespace)
	if err != nil {
		r.logger.Error("asset %s: fetch from output namespace failed: %v", id, err)
		return "", &ResolutionError{AssetID: id, Err: err}
	}

	inputName, err := r.transfer.UploadInput(ctx, rec.Filename, data, rec.MimeType, true)
	if err != nil {
		r.logger.Error("asset %s: upload to input namespace failed: %v", id, err)
		return "", &ResolutionError{AssetID: id, Err: err}
	}

	r.logger.Info("asset %s bridged: %s -> input/%s", id, rec.Filename, inputName)
	return inputName, nil
}

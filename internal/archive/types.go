// Package archive defines the core types shared across the ingestion pipeline.
package archive

import (
	"io"
	"net/http"
	"strings"
	"time"
)

// ItemStatus represents the lifecycle state of an archived item.
type ItemStatus string

// Item status values persisted by the item store.
const (
	StatusQueued     ItemStatus = "queued"
	StatusProcessing ItemStatus = "processing"
	StatusDone       ItemStatus = "done"
	StatusFailed     ItemStatus = "failed"
)

// ItemType is the classified type recorded on an item after processing.
type ItemType string

// Item type values.
const (
	TypeUnknown ItemType = "unknown"
	TypeArticle ItemType = "article"
	TypeImage   ItemType = "image"
	TypeVideo   ItemType = "video"
	TypeFile    ItemType = "file"
)

// AssetKind identifies what an asset holds.
type AssetKind string

// Asset kinds.
const (
	KindHTML  AssetKind = "html"
	KindImage AssetKind = "image"
	KindVideo AssetKind = "video"
	KindFile  AssetKind = "file"
)

// Item is one archived resource.
type Item struct {
	ID                         int64      `json:"id"`
	URL                        string     `json:"url"`
	Type                       ItemType   `json:"type"`
	Title                      string     `json:"title,omitempty"`
	SourceDomain               string     `json:"source_domain,omitempty"`
	Status                     ItemStatus `json:"status"`
	PolicyVideoDownloadAllowed bool       `json:"policy_video_download_allowed"`
	ErrorMessage               string     `json:"error_message,omitempty"`
	CreatedAt                  time.Time  `json:"created_at"`
	UpdatedAt                  time.Time  `json:"updated_at"`
	Tags                       []string   `json:"tags"`
}

// Asset is one stored byte-object owned by an item. Path is relative to the
// data root; older rows may carry absolute paths.
type Asset struct {
	ID        int64     `json:"id"`
	ItemID    int64     `json:"item_id"`
	Kind      AssetKind `json:"kind"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	MIME      string    `json:"mime,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ItemFilter narrows item listings.
type ItemFilter struct {
	Query string
	Tag   string
	Limit int
}

// DefaultListLimit caps item listings when no limit is given.
const DefaultListLimit = 200

// Job is the queue payload handed to workers.
type Job struct {
	ItemID     int64 `json:"item_id"`
	Attempt    int   `json:"attempt"`
	EnqueuedAt int64 `json:"enqueued_at"`
}

// Response is an open HTTP response whose body the caller must close.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser
}

// ContentType returns the normalized media type of the response.
func (r *Response) ContentType() string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return NormalizeContentType(r.Headers.Get("Content-Type"))
}

// ItemEvent is published after every processed job.
type ItemEvent struct {
	ItemID  int64      `json:"item_id"`
	Status  ItemStatus `json:"status"`
	Type    ItemType   `json:"type"`
	Attempt int        `json:"attempt"`
	Error   string     `json:"error,omitempty"`
}

// NormalizeContentType strips parameters from a Content-Type header value and
// lower-cases the media type.
func NormalizeContentType(header string) string {
	mediaType, _, _ := strings.Cut(header, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

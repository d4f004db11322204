package archive

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ItemStore is the persistence gateway consumed by the pipeline.
type ItemStore interface {
	GetItem(ctx context.Context, id int64) (Item, error)
	UpdateItem(ctx context.Context, item Item) error
	InsertAsset(ctx context.Context, asset Asset) (Asset, error)
}

// Catalog extends ItemStore with the queries used by the request layer.
type Catalog interface {
	ItemStore
	CreateItem(ctx context.Context, item Item, tags []string) (Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]Item, error)
	ListAssets(ctx context.Context, itemID int64) ([]Asset, error)
	GetAsset(ctx context.Context, id int64) (Asset, error)
}

// Fetcher performs a streaming GET. Implementations return a NetworkError for
// transport failures and non-2xx statuses.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// Prober issues a HEAD request and returns the response headers.
type Prober interface {
	Head(ctx context.Context, url string) (http.Header, error)
}

// Renderer returns the DOM of a page after client-side scripts ran.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// ShellDetector decides whether fetched HTML is a script shell worth rendering.
type ShellDetector interface {
	ShouldRender(body []byte) bool
}

// Queue delivers jobs to workers at least once.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}

// Publisher pushes item events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes objects to a secondary store and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique string tokens.
type IDGenerator interface {
	NewID() (string, error)
}

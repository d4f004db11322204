// Package contentstore persists fetched bytes as content-addressed assets.
package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-archiver/internal/archive"
	"github.com/JakeFAU/url-archiver/internal/classify"
	"github.com/JakeFAU/url-archiver/internal/hash/sha256"
	"github.com/JakeFAU/url-archiver/internal/metrics"
	"github.com/JakeFAU/url-archiver/internal/storage/local"
)

const (
	chunkSize       = 1 << 20
	maxBaseNameLen  = 64
	defaultBaseName = "download"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Request describes one asset to persist.
type Request struct {
	ItemID      int64
	URL         string
	ContentType string
	Kind        archive.AssetKind
}

// Store writes bodies under the data root and records asset rows.
type Store struct {
	root    *local.Root
	assets  archive.ItemStore
	fetcher archive.Fetcher
	ids     archive.IDGenerator
	clock   archive.Clock
	mirror  archive.BlobStore
	logger  *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithMirror uploads newly finalized files to a secondary blob store.
func WithMirror(mirror archive.BlobStore) Option {
	return func(s *Store) { s.mirror = mirror }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wires a Store.
func New(root *local.Root, assets archive.ItemStore, fetcher archive.Fetcher, ids archive.IDGenerator, clock archive.Clock, opts ...Option) *Store {
	s := &Store{
		root:    root,
		assets:  assets,
		fetcher: fetcher,
		ids:     ids,
		clock:   clock,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save downloads req.URL and stores the body. When req.ContentType is empty the
// response Content-Type is used.
func (s *Store) Save(ctx context.Context, req Request) (archive.Asset, error) {
	resp, err := s.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		return archive.Asset{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if req.ContentType == "" {
		req.ContentType = resp.ContentType()
	}
	return s.SaveStream(ctx, req, resp.Body)
}

// SaveStream stores an already open body. The caller keeps ownership of body.
func (s *Store) SaveStream(ctx context.Context, req Request, body io.Reader) (archive.Asset, error) {
	token, err := s.ids.NewID()
	if err != nil {
		return archive.Asset{}, archive.NewStorageError("temp name", "", err)
	}
	tmp, err := s.root.CreateTemp(token + "-" + safeBaseName(req.URL) + ".part")
	if err != nil {
		return archive.Asset{}, archive.NewStorageError("create", local.TmpDir, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	digest := sha256.NewDigest()
	src := &networkReader{ctx: ctx, url: req.URL, r: body}
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(io.MultiWriter(tmp, digest), src, buf); err != nil {
		var netErr *archive.NetworkError
		if errors.As(err, &netErr) {
			return archive.Asset{}, err
		}
		return archive.Asset{}, archive.NewStorageError("write", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return archive.Asset{}, archive.NewStorageError("close", tmpPath, err)
	}

	rel := path.Join(local.FilesDir, digest.Hex()+classify.Extension(req.URL, req.ContentType))
	if !s.root.Contains(s.root.Abs(rel)) {
		return archive.Asset{}, archive.NewStorageError("finalize", rel, local.ErrOutsideRoot)
	}
	existed, err := s.root.Finalize(tmpPath, rel)
	if err != nil {
		return archive.Asset{}, archive.NewStorageError("finalize", rel, err)
	}
	committed = true
	if !existed {
		s.mirrorFile(ctx, rel, req.ContentType)
	}

	asset, err := s.assets.InsertAsset(ctx, archive.Asset{
		ItemID:    req.ItemID,
		Kind:      req.Kind,
		Path:      rel,
		SHA256:    digest.Hex(),
		Size:      digest.Size(),
		MIME:      req.ContentType,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return archive.Asset{}, archive.NewStorageError("insert asset", rel, err)
	}
	metrics.ObserveAssetStored(string(req.Kind), asset.Size, existed)
	s.logger.Debug("asset stored",
		zap.Int64("item_id", req.ItemID),
		zap.String("kind", string(req.Kind)),
		zap.String("path", rel),
		zap.Int64("size", asset.Size),
		zap.Bool("deduplicated", existed),
	)
	return asset, nil
}

// SaveHTML writes the article document for itemID and records it as an html asset.
// Reprocessing an item replaces the file in place.
func (s *Store) SaveHTML(ctx context.Context, itemID int64, html []byte) (archive.Asset, error) {
	rel := path.Join(local.HTMLDir, fmt.Sprintf("item_%d.html", itemID))
	if err := s.root.WriteAtomic(rel, bytes.NewReader(html)); err != nil {
		return archive.Asset{}, archive.NewStorageError("write", rel, err)
	}
	asset, err := s.assets.InsertAsset(ctx, archive.Asset{
		ItemID:    itemID,
		Kind:      archive.KindHTML,
		Path:      rel,
		SHA256:    sha256.Sum(html),
		Size:      int64(len(html)),
		MIME:      "text/html",
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return archive.Asset{}, archive.NewStorageError("insert asset", rel, err)
	}
	metrics.ObserveAssetStored(string(archive.KindHTML), asset.Size, false)
	return asset, nil
}

func (s *Store) mirrorFile(ctx context.Context, rel, contentType string) {
	if s.mirror == nil {
		return
	}
	f, err := os.Open(s.root.Abs(rel))
	if err != nil {
		metrics.ObserveMirrorFailure()
		s.logger.Warn("mirror open failed", zap.String("path", rel), zap.Error(err))
		return
	}
	defer func() {
		_ = f.Close()
	}()
	uri, err := s.mirror.PutObject(ctx, rel, contentType, f)
	if err != nil {
		metrics.ObserveMirrorFailure()
		s.logger.Warn("mirror upload failed", zap.String("path", rel), zap.Error(err))
		return
	}
	s.logger.Debug("asset mirrored", zap.String("path", rel), zap.String("uri", uri))
}

// networkReader tags body read failures as network errors so they are not
// confused with local write failures.
type networkReader struct {
	ctx context.Context
	url string
	r   io.Reader
}

func (n *networkReader) Read(p []byte) (int, error) {
	if err := n.ctx.Err(); err != nil {
		return 0, archive.NewNetworkError(n.url, err)
	}
	c, err := n.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return c, archive.NewNetworkError(n.url, err)
	}
	return c, err
}

func safeBaseName(rawURL string) string {
	name := unsafeNameChars.ReplaceAllString(classify.BaseName(rawURL), "_")
	name = strings.Trim(name, "._")
	if len(name) > maxBaseNameLen {
		name = name[:maxBaseNameLen]
	}
	if name == "" {
		return defaultBaseName
	}
	return name
}

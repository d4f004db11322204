// Package article extracts the readable part of an HTML page and localizes
// its embedded images.
package article

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-archiver/internal/archive"
	"github.com/JakeFAU/url-archiver/internal/contentstore"
	"github.com/JakeFAU/url-archiver/internal/metrics"
)

// AssetSaver is the slice of the content store the extractor needs.
type AssetSaver interface {
	Save(ctx context.Context, req contentstore.Request) (archive.Asset, error)
	SaveHTML(ctx context.Context, itemID int64, html []byte) (archive.Asset, error)
}

// Embedded image outcomes.
const (
	imageStored  = "stored"
	imageSkipped = "skipped"
	imageFailed  = "failed"
)

// Extractor turns fetched HTML into an archived article.
type Extractor struct {
	assets   AssetSaver
	prober   archive.Prober
	renderer archive.Renderer
	detector archive.ShellDetector
	logger   *zap.Logger
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithRenderer enables headless rendering of pages the detector flags.
func WithRenderer(renderer archive.Renderer, detector archive.ShellDetector) Option {
	return func(e *Extractor) {
		e.renderer = renderer
		e.detector = detector
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New builds an Extractor.
func New(assets AssetSaver, prober archive.Prober, opts ...Option) *Extractor {
	e := &Extractor{
		assets: assets,
		prober: prober,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract archives html as the article body of item. It sets item.Title and
// item.Type and persists one html asset. Images that cannot be stored keep
// their original src.
func (e *Extractor) Extract(ctx context.Context, item *archive.Item, pageURL string, html []byte) error {
	base, err := url.Parse(pageURL)
	if err != nil {
		return &archive.ParseError{Stage: "page url", Err: err}
	}

	html, err = e.maybeRender(ctx, pageURL, html)
	if err != nil {
		return err
	}

	parsed, err := readability.FromReader(bytes.NewReader(html), base)
	if err != nil {
		return &archive.ParseError{Stage: "readability", Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(parsed.Content))
	if err != nil {
		return &archive.ParseError{Stage: "article dom", Err: err}
	}

	stored := make(map[string]int64)
	var imgErr error
	doc.Find("img").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if err := e.localizeImage(ctx, item.ID, base, sel, stored); err != nil {
			imgErr = err
			return false
		}
		return true
	})
	if imgErr != nil {
		return imgErr
	}

	// Parsing a fragment wraps it in html/head/body; archive the fragment alone.
	out, err := doc.Find("body").Html()
	if err != nil {
		return &archive.ParseError{Stage: "serialize", Err: err}
	}
	if _, err := e.assets.SaveHTML(ctx, item.ID, []byte(out)); err != nil {
		return err
	}

	title := strings.TrimSpace(parsed.Title)
	switch {
	case title != "":
		item.Title = title
	case item.Title == "":
		item.Title = item.URL
	}
	item.Type = archive.TypeArticle
	return nil
}

func (e *Extractor) maybeRender(ctx context.Context, pageURL string, html []byte) ([]byte, error) {
	if e.renderer == nil || e.detector == nil || !e.detector.ShouldRender(html) {
		return html, nil
	}
	rendered, err := e.renderer.Render(ctx, pageURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("render %s: %w", pageURL, ctxErr)
		}
		e.logger.Warn("headless render failed, using fetched html", zap.String("url", pageURL), zap.Error(err))
		return html, nil
	}
	e.logger.Debug("rendered page with headless browser", zap.String("url", pageURL))
	return []byte(rendered), nil
}

// localizeImage stores one embedded image and rewrites its src. Only context
// cancellation is returned; every other failure leaves the element untouched.
func (e *Extractor) localizeImage(ctx context.Context, itemID int64, base *url.URL, sel *goquery.Selection, stored map[string]int64) error {
	src, res := e.storeImage(ctx, itemID, base, sel, stored)
	metrics.ObserveEmbeddedImage(res)
	if res == imageFailed {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("embedded image %s: %w", src, err)
		}
	}
	return nil
}

func (e *Extractor) storeImage(ctx context.Context, itemID int64, base *url.URL, sel *goquery.Selection, stored map[string]int64) (string, string) {
	raw := strings.TrimSpace(sel.AttrOr("src", ""))
	if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
		return raw, imageSkipped
	}
	ref, err := base.Parse(raw)
	if err != nil || (ref.Scheme != "http" && ref.Scheme != "https") {
		return raw, imageSkipped
	}
	abs := ref.String()

	if id, ok := stored[abs]; ok {
		rewriteSrc(sel, id)
		return abs, imageStored
	}

	contentType := ""
	if headers, err := e.prober.Head(ctx, abs); err != nil {
		e.logger.Debug("image probe failed", zap.String("url", abs), zap.Error(err))
	} else {
		contentType = archive.NormalizeContentType(headers.Get("Content-Type"))
	}
	if ctx.Err() != nil {
		return abs, imageFailed
	}

	asset, err := e.assets.Save(ctx, contentstore.Request{
		ItemID:      itemID,
		URL:         abs,
		ContentType: contentType,
		Kind:        archive.KindImage,
	})
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, context.Canceled) {
			level = zap.DebugLevel
		}
		e.logger.Log(level, "embedded image not stored", zap.String("url", abs), zap.Error(err))
		return abs, imageFailed
	}
	stored[abs] = asset.ID
	rewriteSrc(sel, asset.ID)
	return abs, imageStored
}

func rewriteSrc(sel *goquery.Selection, assetID int64) {
	sel.SetAttr("src", fmt.Sprintf("/files/%d", assetID))
	// A srcset would keep pointing browsers at the origin.
	sel.RemoveAttr("srcset")
}

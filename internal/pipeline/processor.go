// Package pipeline drives one archived item from queued to a terminal status.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-archiver/internal/archive"
	"github.com/JakeFAU/url-archiver/internal/classify"
	"github.com/JakeFAU/url-archiver/internal/contentstore"
	"github.com/JakeFAU/url-archiver/internal/metrics"
	"github.com/JakeFAU/url-archiver/internal/policy/video"
)

const (
	tracerName = "github.com/JakeFAU/url-archiver/internal/pipeline"

	// DefaultMaxHTMLBytes bounds how much of an html response is read.
	DefaultMaxHTMLBytes int64 = 10 << 20

	finalWriteTimeout = 10 * time.Second
)

// OutcomeKind classifies the result of one invocation.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeDone    OutcomeKind = "done"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeSkipped OutcomeKind = "skipped"
)

// Outcome reports what Process did. Err is set for failed outcomes.
type Outcome struct {
	Kind   OutcomeKind
	Status archive.ItemStatus
	Type   archive.ItemType
	Err    error
}

// StreamSaver stores an already open body.
type StreamSaver interface {
	SaveStream(ctx context.Context, req contentstore.Request, body io.Reader) (archive.Asset, error)
}

// ArticleExtractor archives an html page.
type ArticleExtractor interface {
	Extract(ctx context.Context, item *archive.Item, pageURL string, html []byte) error
}

// VideoGate applies the video download policy.
type VideoGate interface {
	Apply(ctx context.Context, item *archive.Item, rawURL, contentType, sample string, body io.Reader) error
}

// Deps bundles the collaborators of a Processor.
type Deps struct {
	Items    archive.ItemStore
	Fetcher  archive.Fetcher
	Files    StreamSaver
	Articles ArticleExtractor
	Videos   VideoGate
	Clock    archive.Clock
	Logger   *zap.Logger
	Tracer   trace.Tracer
}

// Processor runs the ingestion state machine.
type Processor struct {
	deps         Deps
	maxHTMLBytes int64
	duration     metric.Float64Histogram
}

// New builds a Processor. maxHTMLBytes <= 0 selects DefaultMaxHTMLBytes.
func New(deps Deps, maxHTMLBytes int64) *Processor {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if maxHTMLBytes <= 0 {
		maxHTMLBytes = DefaultMaxHTMLBytes
	}
	duration, err := otel.Meter(tracerName).Float64Histogram("archiver.item.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of one pipeline invocation."),
	)
	if err != nil {
		deps.Logger.Warn("item duration histogram unavailable", zap.Error(err))
	}
	if duration == nil {
		duration = noop.Float64Histogram{}
	}
	return &Processor{deps: deps, maxHTMLBytes: maxHTMLBytes, duration: duration}
}

// Process loads item id and archives its URL. A missing item is skipped.
// Every failure after the item is marked processing ends in status failed.
func (p *Processor) Process(ctx context.Context, id int64) Outcome {
	ctx, span := p.deps.Tracer.Start(ctx, "pipeline.process", trace.WithAttributes(attribute.Int64("item.id", id)))
	defer span.End()
	start := time.Now()

	outcome := p.process(ctx, id)
	p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("outcome", string(outcome.Kind)),
	))
	span.SetAttributes(
		attribute.String("item.outcome", string(outcome.Kind)),
		attribute.String("item.type", string(outcome.Type)),
	)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	if outcome.Kind != OutcomeSkipped && outcome.Status != "" {
		metrics.ObserveItem(string(outcome.Status), string(outcome.Type))
	}
	return outcome
}

func (p *Processor) process(ctx context.Context, id int64) Outcome {
	logger := p.deps.Logger.With(zap.Int64("item_id", id))

	item, err := p.deps.Items.GetItem(ctx, id)
	if errors.Is(err, archive.ErrNotFound) {
		logger.Warn("item not found, skipping")
		return Outcome{Kind: OutcomeSkipped}
	}
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: archive.NewStorageError("load", "items", err)}
	}

	item.Status = archive.StatusProcessing
	item.ErrorMessage = ""
	item.UpdatedAt = p.deps.Clock.Now()
	if err := p.deps.Items.UpdateItem(ctx, item); err != nil {
		return Outcome{Kind: OutcomeFailed, Type: item.Type, Err: archive.NewStorageError("mark processing", "items", err)}
	}

	if err := p.run(ctx, &item); err != nil {
		return p.fail(ctx, logger, id, item, err)
	}

	item.Status = archive.StatusDone
	item.UpdatedAt = p.deps.Clock.Now()
	if err := p.deps.Items.UpdateItem(ctx, item); err != nil {
		return p.fail(ctx, logger, id, item, archive.NewStorageError("mark done", "items", err))
	}
	logger.Info("item archived", zap.String("type", string(item.Type)), zap.String("url", item.URL))
	return Outcome{Kind: OutcomeDone, Status: archive.StatusDone, Type: item.Type}
}

func (p *Processor) run(ctx context.Context, item *archive.Item) error {
	resp, err := p.deps.Fetcher.Fetch(ctx, item.URL)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	item.SourceDomain = classify.Domain(item.URL)

	contentType := resp.ContentType()
	result := classify.Classify(item.URL, contentType)
	switch result.Category {
	case classify.HTML:
		html, err := io.ReadAll(io.LimitReader(resp.Body, p.maxHTMLBytes))
		if err != nil {
			return archive.NewNetworkError(item.URL, err)
		}
		return p.deps.Articles.Extract(ctx, item, item.URL, html)
	case classify.Image:
		return p.saveFile(ctx, item, contentType, archive.KindImage, resp.Body)
	case classify.Video:
		sample, body, err := sampleText(contentType, resp.Body)
		if err != nil {
			return archive.NewNetworkError(item.URL, err)
		}
		return p.deps.Videos.Apply(ctx, item, item.URL, contentType, sample, body)
	default:
		return p.saveFile(ctx, item, contentType, archive.KindFile, resp.Body)
	}
}

func (p *Processor) saveFile(ctx context.Context, item *archive.Item, contentType string, kind archive.AssetKind, body io.Reader) error {
	if _, err := p.deps.Files.SaveStream(ctx, contentstore.Request{
		ItemID:      item.ID,
		URL:         item.URL,
		ContentType: contentType,
		Kind:        kind,
	}, body); err != nil {
		return err
	}
	item.Type = archive.ItemType(kind)
	if item.Title == "" {
		item.Title = classify.BaseName(item.URL)
	}
	if item.Title == "" {
		item.Title = item.URL
	}
	return nil
}

// sampleText captures the head of text bodies and returns a reader that
// still yields the whole body.
func sampleText(contentType string, body io.Reader) (string, io.Reader, error) {
	if !strings.HasPrefix(contentType, "text/") {
		return "", body, nil
	}
	head, err := io.ReadAll(io.LimitReader(body, video.SampleLimit))
	if err != nil {
		return "", nil, err
	}
	return string(head), io.MultiReader(bytes.NewReader(head), body), nil
}

// fail reloads the item and records the failure. The write uses a detached
// context so a canceled run still leaves a terminal status.
func (p *Processor) fail(ctx context.Context, logger *zap.Logger, id int64, current archive.Item, cause error) Outcome {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	item, err := p.deps.Items.GetItem(writeCtx, id)
	if err != nil {
		logger.Warn("reload before marking failed", zap.Error(err))
		item = current
	}
	item.Status = archive.StatusFailed
	item.ErrorMessage = errorMessage(cause)
	item.UpdatedAt = p.deps.Clock.Now()
	if err := p.deps.Items.UpdateItem(writeCtx, item); err != nil {
		logger.Error("mark failed", zap.Error(err), zap.NamedError("cause", cause))
		return Outcome{Kind: OutcomeFailed, Type: item.Type, Err: fmt.Errorf("%w (mark failed: %v)", cause, err)}
	}
	logger.Warn("item failed", zap.Error(cause))
	return Outcome{Kind: OutcomeFailed, Status: archive.StatusFailed, Type: item.Type, Err: cause}
}

func errorMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return fmt.Sprintf("%T", err)
	}
	return msg
}

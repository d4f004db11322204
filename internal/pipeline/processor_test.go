package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/url-archiver/internal/archive"
	"github.com/JakeFAU/url-archiver/internal/article"
	"github.com/JakeFAU/url-archiver/internal/contentstore"
	collyfetcher "github.com/JakeFAU/url-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/url-archiver/internal/fetcher/httpfetch"
	"github.com/JakeFAU/url-archiver/internal/id/uuid"
	"github.com/JakeFAU/url-archiver/internal/policy/video"
	"github.com/JakeFAU/url-archiver/internal/storage/local"
	"github.com/JakeFAU/url-archiver/internal/storage/memory"
)

const paragraph = "Volunteers at the river cleanup counted more than four hundred bags of litter this weekend, " +
	"a record for the spring event, and organizers said the turnout of families and school groups " +
	"was the largest they had seen since the program started a decade ago."

type harness struct {
	proc    *Processor
	catalog *memory.Catalog
	root    *local.Root
	server  *httptest.Server
	spans   *tracetest.SpanRecorder
}

func newHarness(t *testing.T, allowlist ...string) *harness {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/article", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		var b strings.Builder
		b.WriteString("<html><head><title>River Cleanup</title></head><body><article><h1>River Cleanup</h1>")
		for i := 0; i < 4; i++ {
			fmt.Fprintf(&b, "<p>%s</p>", paragraph)
		}
		fmt.Fprintf(&b, `<p>%s <img src="/good.png"></p>`, paragraph)
		fmt.Fprintf(&b, `<p>%s <img src="/missing.png"></p>`, paragraph)
		b.WriteString("</article></body></html>")
		_, _ = io.WriteString(w, b.String())
	})
	mux.HandleFunc("/good.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake image"))
	})
	mux.HandleFunc("/cat.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("cat"))
	})
	mux.HandleFunc("/clip.mp4", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4 bytes"))
	})
	mux.HandleFunc("/live/index.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = io.WriteString(w, "#EXTM3U\n")
	})
	mux.HandleFunc("/locked.mp4", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "#EXTM3U\n#EXT-X-KEY:METHOD=SAMPLE-AES,KEYFORMAT=\"com.widevine\"\n")
	})
	mux.HandleFunc("/report.pdf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF-1.4")
	})
	mux.HandleFunc("/boom", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	root, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	catalog := memory.NewCatalog()
	logger := zaptest.NewLogger(t)
	fetcher := httpfetch.New(httpfetch.Config{ReadTimeout: 5 * time.Second})
	files := contentstore.New(root, catalog, fetcher, uuid.New(), fixedClock{}, contentstore.WithLogger(logger))
	prober := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second})

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	proc := New(Deps{
		Items:    catalog,
		Fetcher:  fetcher,
		Files:    files,
		Articles: article.New(files, prober, article.WithLogger(logger)),
		Videos:   video.NewGate(allowlist, files, logger),
		Clock:    fixedClock{},
		Logger:   logger,
		Tracer:   tp.Tracer("test"),
	}, 0)
	return &harness{proc: proc, catalog: catalog, root: root, server: server, spans: spans}
}

func (h *harness) create(t *testing.T, path string) archive.Item {
	t.Helper()
	item, err := h.catalog.CreateItem(context.Background(), archive.Item{
		URL:    h.server.URL + path,
		Type:   archive.TypeUnknown,
		Status: archive.StatusQueued,
	}, nil)
	require.NoError(t, err)
	return item
}

func (h *harness) reload(t *testing.T, id int64) (archive.Item, []archive.Asset) {
	t.Helper()
	item, err := h.catalog.GetItem(context.Background(), id)
	require.NoError(t, err)
	assets, err := h.catalog.ListAssets(context.Background(), id)
	require.NoError(t, err)
	return item, assets
}

func TestProcessArticleWithMissingImage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	created := h.create(t, "/article")

	out := h.proc.Process(context.Background(), created.ID)
	require.Equal(t, OutcomeDone, out.Kind, "err: %v", out.Err)

	item, assets := h.reload(t, created.ID)
	require.Equal(t, archive.StatusDone, item.Status)
	require.Equal(t, archive.TypeArticle, item.Type)
	require.Equal(t, "River Cleanup", item.Title)
	require.Equal(t, "127.0.0.1", item.SourceDomain)

	var htmlAsset, imageAsset *archive.Asset
	for i := range assets {
		switch assets[i].Kind {
		case archive.KindHTML:
			htmlAsset = &assets[i]
		case archive.KindImage:
			imageAsset = &assets[i]
		}
	}
	require.Len(t, assets, 2)
	require.NotNil(t, htmlAsset)
	require.NotNil(t, imageAsset)
	require.Equal(t, "image/png", imageAsset.MIME)

	data, err := os.ReadFile(h.root.Abs(htmlAsset.Path))
	require.NoError(t, err)
	html := string(data)
	require.Contains(t, html, fmt.Sprintf(`src="/files/%d"`, imageAsset.ID))
	require.Contains(t, html, h.server.URL+"/missing.png")
	require.NotContains(t, html, h.server.URL+"/good.png")

	require.Len(t, h.spans.Ended(), 1)
	require.Equal(t, "pipeline.process", h.spans.Ended()[0].Name())
}

func TestProcessServerErrorMarksFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	created := h.create(t, "/boom")

	out := h.proc.Process(context.Background(), created.ID)
	require.Equal(t, OutcomeFailed, out.Kind)
	require.Equal(t, archive.StatusFailed, out.Status)
	var netErr *archive.NetworkError
	require.ErrorAs(t, out.Err, &netErr)
	require.Equal(t, http.StatusInternalServerError, netErr.StatusCode)

	item, assets := h.reload(t, created.ID)
	require.Equal(t, archive.StatusFailed, item.Status)
	require.NotEmpty(t, item.ErrorMessage)
	require.Empty(t, assets)
}

func TestProcessVideoNotAllowlisted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	created := h.create(t, "/clip.mp4")

	out := h.proc.Process(context.Background(), created.ID)
	require.Equal(t, OutcomeDone, out.Kind)

	item, assets := h.reload(t, created.ID)
	require.Equal(t, archive.TypeVideo, item.Type)
	require.False(t, item.PolicyVideoDownloadAllowed)
	require.Empty(t, assets)
}

func TestProcessVideoAllowlisted(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		path       string
		wantAssets int
	}{
		{name: "direct file", path: "/clip.mp4", wantAssets: 1},
		{name: "manifest", path: "/live/index.m3u8", wantAssets: 0},
		{name: "signed url", path: "/clip.mp4?token=abc", wantAssets: 0},
		{name: "drm markers in text body", path: "/locked.mp4", wantAssets: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, "127.0.0.1")
			created := h.create(t, tc.path)

			out := h.proc.Process(context.Background(), created.ID)
			require.Equal(t, OutcomeDone, out.Kind, "err: %v", out.Err)

			item, assets := h.reload(t, created.ID)
			require.Equal(t, archive.TypeVideo, item.Type)
			require.True(t, item.PolicyVideoDownloadAllowed)
			require.Len(t, assets, tc.wantAssets)
			if tc.wantAssets == 1 {
				require.Equal(t, archive.KindVideo, assets[0].Kind)
			}
		})
	}
}

func TestProcessImageAndFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	img := h.create(t, "/cat.png")
	doc := h.create(t, "/report.pdf")

	require.Equal(t, OutcomeDone, h.proc.Process(context.Background(), img.ID).Kind)
	require.Equal(t, OutcomeDone, h.proc.Process(context.Background(), doc.ID).Kind)

	item, assets := h.reload(t, img.ID)
	require.Equal(t, archive.TypeImage, item.Type)
	require.Equal(t, "cat.png", item.Title)
	require.Len(t, assets, 1)
	require.True(t, strings.HasSuffix(assets[0].Path, ".png"))

	item, assets = h.reload(t, doc.ID)
	require.Equal(t, archive.TypeFile, item.Type)
	require.Equal(t, "report.pdf", item.Title)
	require.Len(t, assets, 1)
	require.Equal(t, "application/pdf", assets[0].MIME)
}

func TestProcessMissingItemIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out := h.proc.Process(context.Background(), 12345)
	require.Equal(t, OutcomeSkipped, out.Kind)
	require.NoError(t, out.Err)
}

func TestProcessRetryClearsPreviousError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	created := h.create(t, "/cat.png")
	stale := created
	stale.Status = archive.StatusFailed
	stale.ErrorMessage = "previous failure"
	require.NoError(t, h.catalog.UpdateItem(context.Background(), stale))

	require.Equal(t, OutcomeDone, h.proc.Process(context.Background(), created.ID).Kind)
	item, _ := h.reload(t, created.ID)
	require.Equal(t, archive.StatusDone, item.Status)
	require.Empty(t, item.ErrorMessage)
}

func TestProcessMarksProcessingBeforeFetch(t *testing.T) {
	t.Parallel()

	catalog := memory.NewCatalog()
	item, err := catalog.CreateItem(context.Background(), archive.Item{URL: "https://a.test/x", Status: archive.StatusQueued}, nil)
	require.NoError(t, err)

	var seen archive.ItemStatus
	fetcher := fetcherFunc(func(ctx context.Context, url string) (*archive.Response, error) {
		current, err := catalog.GetItem(ctx, item.ID)
		require.NoError(t, err)
		seen = current.Status
		return nil, &archive.NetworkError{URL: url, Err: errors.New("dial tcp: refused")}
	})
	proc := New(Deps{Items: catalog, Fetcher: fetcher, Clock: fixedClock{}}, 0)

	out := proc.Process(context.Background(), item.ID)
	require.Equal(t, archive.StatusProcessing, seen)
	require.Equal(t, OutcomeFailed, out.Kind)
	got, err := catalog.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, "fetch https://a.test/x: dial tcp: refused", got.ErrorMessage)
}

func TestProcessCanceledStillRecordsFailure(t *testing.T) {
	t.Parallel()

	catalog := memory.NewCatalog()
	item, err := catalog.CreateItem(context.Background(), archive.Item{URL: "https://a.test/x", Status: archive.StatusQueued}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := fetcherFunc(func(ctx context.Context, url string) (*archive.Response, error) {
		cancel()
		return nil, archive.NewNetworkError(url, ctx.Err())
	})
	proc := New(Deps{Items: catalog, Fetcher: fetcher, Clock: fixedClock{}}, 0)

	out := proc.Process(ctx, item.ID)
	require.Equal(t, OutcomeFailed, out.Kind)
	require.ErrorIs(t, out.Err, context.Canceled)
	got, err := catalog.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, archive.StatusFailed, got.Status)
}

func TestProcessLoadFailure(t *testing.T) {
	t.Parallel()

	proc := New(Deps{Items: &brokenItems{}, Clock: fixedClock{}}, 0)
	out := proc.Process(context.Background(), 1)
	require.Equal(t, OutcomeFailed, out.Kind)
	var storageErr *archive.StorageError
	require.ErrorAs(t, out.Err, &storageErr)
}

func TestSampleTextKeepsWholeBody(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("a", video.SampleLimit+10)
	sample, rest, err := sampleText("text/plain", strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, sample, video.SampleLimit)
	all, err := io.ReadAll(rest)
	require.NoError(t, err)
	require.Equal(t, body, string(all))

	sample, _, err = sampleText("video/mp4", strings.NewReader(body))
	require.NoError(t, err)
	require.Empty(t, sample)
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC) }

type fetcherFunc func(ctx context.Context, url string) (*archive.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) (*archive.Response, error) {
	return f(ctx, url)
}

type brokenItems struct{}

func (b *brokenItems) GetItem(context.Context, int64) (archive.Item, error) {
	return archive.Item{}, errors.New("connection refused")
}

func (b *brokenItems) UpdateItem(context.Context, archive.Item) error { return nil }

func (b *brokenItems) InsertAsset(context.Context, archive.Asset) (archive.Asset, error) {
	return archive.Asset{}, nil
}

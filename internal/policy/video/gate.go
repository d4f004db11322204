// Package video decides whether a video resource may be downloaded.
package video

import (
	"context"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-archiver/internal/archive"
	"github.com/JakeFAU/url-archiver/internal/classify"
	"github.com/JakeFAU/url-archiver/internal/contentstore"
	"github.com/JakeFAU/url-archiver/internal/metrics"
)

// Decision reasons.
const (
	ReasonNotAllowlisted = "not_allowlisted"
	ReasonYouTube        = "youtube"
	ReasonManifest       = "manifest"
	ReasonSignedURL      = "signed_url"
	ReasonDRM            = "drm"
	ReasonNotVideo       = "not_video"
	ReasonDownload       = "download"
)

// SampleLimit is how much of a text body is retained for DRM sniffing.
const SampleLimit = 20000

var (
	youTubeDomains = []string{"youtube.com", "youtu.be", "youtube-nocookie.com"}
	signedMarkers  = []string{"token=", "signature=", "expires=", "policy=", "key="}
	drmMarkers     = []string{"ext-x-key", "keyformat", "widevine", "playready", "cenc", "fairplay"}
)

// Decision is the outcome of evaluating one video resource.
type Decision struct {
	Allowed  bool
	Download bool
	Reason   string
}

// StreamSaver persists an open body.
type StreamSaver interface {
	SaveStream(ctx context.Context, req contentstore.Request, body io.Reader) (archive.Asset, error)
}

// Gate applies the allowlist and protection checks.
type Gate struct {
	allowlist []string
	saver     StreamSaver
	logger    *zap.Logger
}

// NewGate builds a Gate. Allowlist entries are lower-cased domains or suffixes.
func NewGate(allowlist []string, saver StreamSaver, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		allowlist: ParseAllowlist(allowlist),
		saver:     saver,
		logger:    logger,
	}
}

// ParseAllowlist normalizes entries, splitting comma separated values.
func ParseAllowlist(entries []string) []string {
	var out []string
	for _, entry := range entries {
		for _, part := range strings.Split(entry, ",") {
			part = strings.Trim(strings.ToLower(strings.TrimSpace(part)), ".")
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Allowed reports whether videos from domain may be downloaded at all.
func (g *Gate) Allowed(domain string) bool {
	domain = strings.ToLower(domain)
	return matchesAny(domain, g.allowlist) && !IsYouTube(domain)
}

// Decide evaluates a video resource without side effects. sample is the
// prefix of a text body, empty otherwise.
func (g *Gate) Decide(rawURL, contentType, sample string) Decision {
	domain := classify.Domain(rawURL)
	switch {
	case IsYouTube(domain):
		return Decision{Reason: ReasonYouTube}
	case !matchesAny(domain, g.allowlist):
		return Decision{Reason: ReasonNotAllowlisted}
	case classify.IsManifest(rawURL, contentType):
		return Decision{Allowed: true, Reason: ReasonManifest}
	case containsAny(strings.ToLower(rawURL), signedMarkers):
		return Decision{Allowed: true, Reason: ReasonSignedURL}
	case containsAny(strings.ToLower(sample), drmMarkers):
		return Decision{Allowed: true, Reason: ReasonDRM}
	case !strings.HasPrefix(contentType, "video/") && !classify.HasVideoExt(rawURL):
		return Decision{Allowed: true, Reason: ReasonNotVideo}
	default:
		return Decision{Allowed: true, Download: true, Reason: ReasonDownload}
	}
}

// Apply records the decision on item and stores body when it is downloadable.
func (g *Gate) Apply(ctx context.Context, item *archive.Item, rawURL, contentType, sample string, body io.Reader) error {
	d := g.Decide(rawURL, contentType, sample)
	metrics.ObserveVideoDecision(d.Reason)
	item.Type = archive.TypeVideo
	item.PolicyVideoDownloadAllowed = d.Allowed
	if !d.Download {
		g.logger.Info("video download skipped",
			zap.Int64("item_id", item.ID),
			zap.String("reason", d.Reason),
		)
		return nil
	}
	_, err := g.saver.SaveStream(ctx, contentstore.Request{
		ItemID:      item.ID,
		URL:         rawURL,
		ContentType: contentType,
		Kind:        archive.KindVideo,
	}, body)
	return err
}

// IsYouTube reports whether domain belongs to YouTube.
func IsYouTube(domain string) bool {
	return matchesAny(strings.ToLower(domain), youTubeDomains)
}

func matchesAny(domain string, suffixes []string) bool {
	if domain == "" {
		return false
	}
	for _, s := range suffixes {
		if domain == s || strings.HasSuffix(domain, "."+s) {
			return true
		}
	}
	return false
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Package classify maps a URL and Content-Type to an archive category.
package classify

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Category is the dispatch target chosen for a fetched resource.
type Category string

// Categories produced by Classify.
const (
	HTML  Category = "html"
	Image Category = "image"
	Video Category = "video"
	File  Category = "file"
)

// Result carries the category plus the manifest sub-signal used by the video gate.
type Result struct {
	Category Category
	Manifest bool
}

var (
	imageExts    = map[string]struct{}{".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".bmp": {}}
	videoExts    = map[string]struct{}{".mp4": {}, ".mov": {}, ".mkv": {}, ".webm": {}}
	manifestExts = map[string]struct{}{".m3u8": {}, ".mpd": {}}

	unsafeExtChars     = regexp.MustCompile(`[^a-z0-9.]+`)
	unsafeSubtypeChars = regexp.MustCompile(`[^a-z0-9]+`)
)

// Classify decides the category of a resource. contentType must already be
// normalized (see archive.NormalizeContentType); an empty value means absent.
func Classify(rawURL, contentType string) Result {
	manifest := IsManifest(rawURL, contentType)
	switch {
	case strings.HasPrefix(contentType, "text/html"):
		return Result{Category: HTML, Manifest: manifest}
	case contentType == "" && hasHTMLExt(rawURL):
		return Result{Category: HTML, Manifest: manifest}
	case strings.HasPrefix(contentType, "image/"), HasImageExt(rawURL):
		return Result{Category: Image, Manifest: manifest}
	case strings.HasPrefix(contentType, "video/"), HasVideoExt(rawURL), manifest:
		return Result{Category: Video, Manifest: manifest}
	default:
		return Result{Category: File, Manifest: manifest}
	}
}

// IsManifest reports whether the URL path or Content-Type points at an HLS or DASH playlist.
func IsManifest(rawURL, contentType string) bool {
	if _, ok := manifestExts[PathExt(rawURL)]; ok {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "mpegurl") || strings.Contains(ct, "application/dash+xml")
}

// HasImageExt reports whether the URL path ends in a known image extension.
func HasImageExt(rawURL string) bool {
	_, ok := imageExts[PathExt(rawURL)]
	return ok
}

// HasVideoExt reports whether the URL path ends in a known video extension.
func HasVideoExt(rawURL string) bool {
	_, ok := videoExts[PathExt(rawURL)]
	return ok
}

func hasHTMLExt(rawURL string) bool {
	ext := PathExt(rawURL)
	return ext == ".html" || ext == ".htm"
}

// PathExt returns the lower-cased extension of the URL path, ignoring the query.
func PathExt(rawURL string) string {
	return strings.ToLower(path.Ext(urlPath(rawURL)))
}

// Domain returns the lower-cased hostname of rawURL, or "" when unparsable.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// BaseName returns the last path segment of rawURL, or "" for a bare host.
func BaseName(rawURL string) string {
	p := strings.TrimSuffix(urlPath(rawURL), "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// Extension picks the stored file extension: from the Content-Type when it is
// image/*, video/* or text/html, otherwise from the URL path suffix.
func Extension(rawURL, contentType string) string {
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") {
		subtype := contentType[strings.LastIndex(contentType, "/")+1:]
		if i := strings.LastIndex(subtype, "+"); i >= 0 {
			subtype = subtype[i+1:]
		}
		// The header is remote input; the result becomes part of a file name.
		subtype = unsafeSubtypeChars.ReplaceAllString(strings.ToLower(subtype), "")
		if subtype != "" {
			return "." + subtype
		}
	}
	if contentType == "text/html" {
		return ".html"
	}
	ext := unsafeExtChars.ReplaceAllString(strings.ToLower(path.Ext(urlPath(rawURL))), "")
	if len(ext) <= 1 {
		return ""
	}
	return ext
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		p, _, _ := strings.Cut(rawURL, "?")
		return p
	}
	return u.Path
}

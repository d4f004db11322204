package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-archiver/internal/archive"
	"github.com/JakeFAU/url-archiver/internal/classify"
)

type createItemRequest struct {
	URL  string   `json:"url"`
	Tags []string `json:"tags"`
}

type assetDTO struct {
	archive.Asset
	Href string `json:"href"`
}

type itemDetail struct {
	archive.Item
	Assets []assetDTO `json:"assets"`
}

// createItem handles POST /api/items. It persists a queued item, enqueues
// it and returns 201 with the item, or 400 for a malformed body or URL.
func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, err := validateURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	domain := classify.Domain(target)
	now := s.deps.Clock.Now()
	item, err := s.deps.Catalog.CreateItem(r.Context(), archive.Item{
		URL:                        target,
		Type:                       archive.TypeUnknown,
		SourceDomain:               domain,
		Status:                     archive.StatusQueued,
		PolicyVideoDownloadAllowed: s.deps.Video != nil && s.deps.Video.Allowed(domain),
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}, req.Tags)
	if err != nil {
		s.logger.Error("create item failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create item")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	if err := s.deps.Submitter.Submit(ctx, item.ID); err != nil {
		s.logger.Error("enqueue item failed", zap.Int64("item_id", item.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "item saved but could not be queued")
		return
	}
	s.logger.Info("item queued", zap.Int64("item_id", item.ID), zap.String("url", item.URL))
	writeJSON(w, http.StatusCreated, item)
}

// listItems handles GET /api/items?query=&tag=&limit=.
func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := archive.ItemFilter{
		Query: strings.TrimSpace(q.Get("query")),
		Tag:   strings.TrimSpace(q.Get("tag")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	items, err := s.deps.Catalog.ListItems(r.Context(), filter)
	if err != nil {
		s.logger.Error("list items failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// getItem handles GET /api/items/{id}, returning the item with its assets.
func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	item, err := s.deps.Catalog.GetItem(r.Context(), id)
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.logger.Error("get item failed", zap.Int64("item_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load item")
		return
	}
	assets, err := s.deps.Catalog.ListAssets(r.Context(), id)
	if err != nil {
		s.logger.Error("list assets failed", zap.Int64("item_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load assets")
		return
	}
	detail := itemDetail{Item: item, Assets: make([]assetDTO, 0, len(assets))}
	for _, a := range assets {
		detail.Assets = append(detail.Assets, assetDTO{Asset: a, Href: fmt.Sprintf("/files/%d", a.ID)})
	}
	writeJSON(w, http.StatusOK, detail)
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("url must use http or https")
	}
	if u.Hostname() == "" {
		return "", errors.New("url must include a host")
	}
	return u.String(), nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

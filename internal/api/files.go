package api

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-archiver/internal/archive"
	"github.com/JakeFAU/url-archiver/internal/storage/local"
)

// serveFile handles GET /files/{asset_id}. Paths resolving outside the data
// root get 403; unknown assets and vanished files get 404.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "asset_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	asset, err := s.deps.Catalog.GetAsset(r.Context(), id)
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	if err != nil {
		s.logger.Error("get asset failed", zap.Int64("asset_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load asset")
		return
	}

	path, err := s.deps.Files.Resolve(asset.Path)
	if errors.Is(err, local.ErrOutsideRoot) {
		s.logger.Warn("asset path outside data root", zap.Int64("asset_id", id), zap.String("path", asset.Path))
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err != nil {
		s.logger.Error("resolve asset failed", zap.Int64("asset_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve asset")
		return
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		s.logger.Error("open asset failed", zap.Int64("asset_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open asset")
		return
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	contentType := asset.MIME
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	name := filepath.Base(path)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

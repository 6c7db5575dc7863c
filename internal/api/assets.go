package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/vbin/internal/repository"
)

// defaultDocument is served for a request naming a site root.
const defaultDocument = "index.html"

// assetPath returns the site and web-relative path of an asset request.
func assetPath(r *http.Request) (string, string) {
	rel := chi.URLParam(r, "*")
	if rel == "" || strings.HasSuffix(rel, "/") {
		rel += defaultDocument
	}
	return chi.URLParam(r, "site"), rel
}

func invalidAssetPath(err error) bool {
	return errors.Is(err, ErrInvalidAssetPath) || errors.Is(err, repository.ErrInvalidPath)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	site, rel := assetPath(r)

	a, err := s.sites.Get(r.Context(), site, rel)
	if errors.Is(err, repository.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	if invalidAssetPath(err) {
		s.writeError(w, http.StatusBadRequest, "invalid asset path")
		return
	}
	if err != nil {
		s.logger.Error("get asset", "site", site, "path", rel, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read asset")
		return
	}

	etag := `"` + a.MD5 + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Vbin-Version", s.sites.Version().String())
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.WriteHeader(http.StatusOK)
	n, err := w.Write(a.Data)
	assetBytesServed.WithLabelValues(site).Add(float64(n))
	if err != nil {
		s.logger.Debug("write asset", "path", a.Path, "error", err)
	}
}

func (s *Server) handleHeadAsset(w http.ResponseWriter, r *http.Request) {
	site, rel := assetPath(r)

	ok, err := s.sites.Exists(r.Context(), site, rel)
	if invalidAssetPath(err) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("stat asset", "site", site, "path", rel, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("X-Vbin-Version", s.sites.Version().String())
	w.WriteHeader(http.StatusOK)
}

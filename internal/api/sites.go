package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/seantiz/vbin/internal/artifact"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/repository"
)

// SiteConfigFile is the per-site document listing modules to preload.
const SiteConfigFile = "site.json"

// ErrInvalidAssetPath is returned for a site name or asset path that would
// leave the site's directory.
var ErrInvalidAssetPath = errors.New("invalid asset path")

// SiteConfig is the content of aspnet/<site>/site.json.
type SiteConfig struct {
	Name    string   `json:"Name"`
	Modules []string `json:"Modules"`
}

// Asset is a hosted file read from the repository.
type Asset struct {
	Path        string
	Data        []byte
	MD5         string
	ContentType string
}

// SiteHost maps web-relative paths onto the repository layout
// aspnet/<site>/<version>/<path> for a single resolved version.
type SiteHost struct {
	repo    repository.Repository
	version model.Version
	cache   *lru.Cache[string, *Asset]
	logger  *slog.Logger
}

// NewSiteHost returns a host serving version v with an LRU of size entries.
func NewSiteHost(repo repository.Repository, v model.Version, size int, logger *slog.Logger) (*SiteHost, error) {
	cache, err := lru.New[string, *Asset](size)
	if err != nil {
		return nil, fmt.Errorf("create asset cache: %w", err)
	}
	return &SiteHost{repo: repo, version: v, cache: cache, logger: logger}, nil
}

// Version returns the version the host serves.
func (h *SiteHost) Version() model.Version { return h.version }

// Path returns the repository path of rel within site. Paths that climb out
// of the site's version directory are rejected with ErrInvalidAssetPath.
func (h *SiteHost) Path(site, rel string) (string, error) {
	if err := checkSite(site); err != nil {
		return "", err
	}
	for seg := range strings.SplitSeq(model.NormalizePath(rel), "/") {
		if seg == ".." {
			return "", fmt.Errorf("asset %q: %w", rel, ErrInvalidAssetPath)
		}
	}
	return model.SitePath(site, h.version, rel), nil
}

func checkSite(site string) error {
	if site == "" || site == "." || site == ".." || strings.ContainsAny(site, `/\`) {
		return fmt.Errorf("site %q: %w", site, ErrInvalidAssetPath)
	}
	return nil
}

// Get returns the asset at rel. A missing asset is repository.ErrNotFound.
func (h *SiteHost) Get(ctx context.Context, site, rel string) (*Asset, error) {
	p, err := h.Path(site, rel)
	if err != nil {
		return nil, err
	}
	if a, ok := h.cache.Get(p); ok {
		assetCacheHits.Inc()
		return a, nil
	}
	assetCacheMisses.Inc()

	rc, _, err := h.repo.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	a := &Asset{
		Path:        p,
		Data:        data,
		MD5:         repository.MD5Hex(data),
		ContentType: contentType(p),
	}
	h.cache.Add(p, a)
	return a, nil
}

// Exists reports whether rel exists within site.
func (h *SiteHost) Exists(ctx context.Context, site, rel string) (bool, error) {
	p, err := h.Path(site, rel)
	if err != nil {
		return false, err
	}
	if h.cache.Contains(p) {
		return true, nil
	}
	return h.repo.Exists(ctx, p)
}

// Config reads the site's configuration document. A missing document yields
// an empty config named after the site.
func (h *SiteHost) Config(ctx context.Context, site string) (SiteConfig, error) {
	cfg := SiteConfig{Name: site}
	if err := checkSite(site); err != nil {
		return cfg, err
	}
	data, err := repository.Read(ctx, h.repo, "aspnet/"+site+"/"+SiteConfigFile)
	if errors.Is(err, repository.ErrNotFound) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s config: %w", site, err)
	}
	return cfg, nil
}

// Preload loads the modules the site's configuration lists into store.
func (h *SiteHost) Preload(ctx context.Context, site string, store *artifact.Store) error {
	cfg, err := h.Config(ctx, site)
	if err != nil {
		return err
	}
	if len(cfg.Modules) == 0 {
		return nil
	}
	h.logger.Info("preloading site modules", "site", site, "modules", cfg.Modules)
	return store.Preload(ctx, cfg.Modules...)
}

func contentType(p string) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

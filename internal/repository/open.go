package repository

import (
	"path/filepath"

	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/failure"
)

// New opens the repository described by cfg. For the directory backend the
// server is a base directory and the database a subdirectory of it.
func New(cfg config.Config) (Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Repository {
	case config.RepositoryDir:
		store, err := NewDirStore(filepath.Join(cfg.Server, cfg.Database))
		if err != nil {
			return nil, failure.Wrap(failure.Configuration, "open repository", err)
		}
		return store, nil
	default:
		store, err := NewS3Store(S3Config{
			Endpoint:  cfg.Server,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Database,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, failure.Wrap(failure.Configuration, "open repository", err)
		}
		return store, nil
	}
}

// Package repository defines the blob repository the loader fetches versioned
// artifacts from, along with its S3, directory and in-memory implementations.
package repository

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/seantiz/vbin/internal/model"
)

// ErrNotFound is returned when no object exists at a path.
var ErrNotFound = errors.New("object not found")

// ErrInvalidPath is returned for a blank path or one that escapes the
// repository root.
var ErrInvalidPath = errors.New("invalid repository path")

// Info describes a stored object.
type Info struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	MD5     string    `json:"md5,omitempty"`
	ModTime time.Time `json:"mod_time"`
}

// Repository is a hierarchical key-value byte store addressed by
// slash-separated paths such as "3/Billing.so".
type Repository interface {
	// Exists reports whether an object exists at exactly path.
	Exists(ctx context.Context, path string) (bool, error)
	// Find looks up path ignoring case and returns the stored path.
	Find(ctx context.Context, path string) (string, error)
	// Open streams the object at path.
	Open(ctx context.Context, path string) (io.ReadCloser, Info, error)
	// Stat returns metadata for the object at path.
	Stat(ctx context.Context, path string) (Info, error)
	// Write stores the contents of r at path, replacing any existing object.
	Write(ctx context.Context, path string, r io.Reader, size int64) error
	// Delete removes the object at path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
	// List returns every stored path under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Read returns the full contents of the object at p.
func Read(ctx context.Context, repo Repository, p string) ([]byte, error) {
	rc, _, err := repo.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// WriteBytes stores data at p.
func WriteBytes(ctx context.Context, repo Repository, p string, data []byte) error {
	return repo.Write(ctx, p, bytes.NewReader(data), int64(len(data)))
}

// MD5Hex returns the lowercase hex MD5 digest of data.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// findFold returns the first candidate equal to target ignoring case. An exact
// match takes precedence.
func findFold(target string, candidates []string) (string, bool) {
	found := ""
	for _, c := range candidates {
		if c == target {
			return c, true
		}
		if found == "" && strings.EqualFold(c, target) {
			found = c
		}
	}
	return found, found != ""
}

// dirPrefix returns the directory prefix of p including its trailing slash, or
// "" for a top-level path.
func dirPrefix(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir + "/"
}

func clean(p string) (string, error) {
	p = model.NormalizePath(strings.TrimSpace(p))
	if p == "" {
		return "", fmt.Errorf("path is required: %w", ErrInvalidPath)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the repository: %w", p, ErrInvalidPath)
	}
	return cleaned, nil
}

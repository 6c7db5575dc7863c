package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// DirStore is a Repository rooted at a local directory. It serves
// development setups and file-share deployments.
type DirStore struct {
	root string
}

var _ Repository = (*DirStore)(nil)

// NewDirStore returns a DirStore rooted at root, creating it if needed.
func NewDirStore(root string) (*DirStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("repository directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve repository directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create repository directory: %w", err)
	}
	return &DirStore{root: abs}, nil
}

// Root returns the absolute directory the store is rooted at.
func (s *DirStore) Root() string { return s.root }

func (s *DirStore) fsPath(p string) (string, string, error) {
	key, err := clean(p)
	if err != nil {
		return "", "", err
	}
	return key, filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *DirStore) Exists(_ context.Context, p string) (bool, error) {
	_, full, err := s.fsPath(p)
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !fi.IsDir(), nil
}

func (s *DirStore) Find(ctx context.Context, p string) (string, error) {
	key, full, err := s.fsPath(p)
	if err != nil {
		return "", err
	}
	if ok, err := s.Exists(ctx, key); err != nil {
		return "", err
	} else if ok {
		return key, nil
	}
	entries, err := os.ReadDir(filepath.Dir(full))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	dir := dirPrefix(key)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, dir+e.Name())
		}
	}
	if found, ok := findFold(key, names); ok {
		return found, nil
	}
	return "", ErrNotFound
}

func (s *DirStore) Open(_ context.Context, p string) (io.ReadCloser, Info, error) {
	key, full, err := s.fsPath(p)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Info{}, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, Info{}, ErrNotFound
	}
	return f, Info{Path: key, Size: fi.Size(), ModTime: fi.ModTime().UTC()}, nil
}

func (s *DirStore) Stat(ctx context.Context, p string) (Info, error) {
	rc, info, err := s.Open(ctx, p)
	if err != nil {
		return Info{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Info{}, fmt.Errorf("hash %s: %w", info.Path, err)
	}
	info.MD5 = MD5Hex(data)
	return info, nil
}

// Write stores r atomically via a temp file and rename.
func (s *DirStore) Write(_ context.Context, p string, r io.Reader, _ int64) error {
	key, full, err := s.fsPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", key, err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func (s *DirStore) Delete(_ context.Context, p string) error {
	_, full, err := s.fsPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *DirStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimLeft(strings.ReplaceAll(prefix, `\`, "/"), "/")
	out := make([]string, 0, 32)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := path.Clean(filepath.ToSlash(rel))
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

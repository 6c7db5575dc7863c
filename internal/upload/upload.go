// Package upload pushes build output into the repository under a version
// path. It is the publishing side of the artifact store.
package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/printer"
	"github.com/seantiz/vbin/internal/repository"
)

// DefaultFileSpec matches module artifacts and their debug symbols.
const DefaultFileSpec = `\.(exe|so|pdb|sym)$`

// excluded names are never uploaded, whatever the file spec says.
var excluded = regexp.MustCompile(`(?i)vshost\.`)

// Options configures an upload.
type Options struct {
	Version model.Version
	// Site, when set, uploads web assets to aspnet/<site>/<version>/ instead
	// of module artifacts to <version>/.
	Site string
	// FileSpec selects files by base name. Nil uses DefaultFileSpec.
	FileSpec *regexp.Regexp
	// SourcePath is the directory to upload. Empty means ".".
	SourcePath string
	// Recursive descends into subdirectories, keeping relative paths.
	Recursive bool
	// CheckMD5 skips files whose stored MD5 equals the local one.
	CheckMD5 bool
	// Out receives the human-readable progress lines. Nil discards them.
	Out    io.Writer
	Logger *slog.Logger
}

// Result lists what an upload did, by repository path.
type Result struct {
	Uploaded []string
	Skipped  []string
}

// CompileFileSpec compiles a file spec. Matching ignores case.
func CompileFileSpec(spec string) (*regexp.Regexp, error) {
	if strings.TrimSpace(spec) == "" {
		spec = DefaultFileSpec
	}
	re, err := regexp.Compile("(?i)" + spec)
	if err != nil {
		return nil, fmt.Errorf("compile file spec %q: %w", spec, err)
	}
	return re, nil
}

// Destination returns the repository path a file with the given relative
// path is uploaded to.
func (o Options) Destination(rel string) string {
	rel = filepath.ToSlash(rel)
	if o.Site != "" {
		return model.SitePath(o.Site, o.Version, rel)
	}
	return o.Version.BasePath() + model.NormalizePath(rel)
}

// Run uploads every matching file. Existing objects are deleted before the new
// content is written.
func Run(ctx context.Context, repo repository.Repository, opts Options) (Result, error) {
	if opts.Version <= 0 {
		return Result{}, fmt.Errorf("version must be greater than zero, got %d", opts.Version)
	}
	if opts.FileSpec == nil {
		re, err := CompileFileSpec(DefaultFileSpec)
		if err != nil {
			return Result{}, err
		}
		opts.FileSpec = re
	}
	if opts.SourcePath == "" {
		opts.SourcePath = "."
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	files, err := collect(opts)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		src := filepath.Join(opts.SourcePath, rel)
		dst := opts.Destination(rel)
		printer.Transfer(opts.Out, src, dst)

		uploaded, err := uploadFile(ctx, repo, src, dst, opts)
		if err != nil {
			return res, err
		}
		if uploaded {
			res.Uploaded = append(res.Uploaded, dst)
		} else {
			res.Skipped = append(res.Skipped, dst)
		}
	}
	opts.Logger.Info("upload finished", "version", opts.Version.String(), "uploaded", len(res.Uploaded), "skipped", len(res.Skipped))
	return res, nil
}

// collect returns the matching files relative to the source path, in lexical
// order.
func collect(opts Options) ([]string, error) {
	var files []string
	err := filepath.WalkDir(opts.SourcePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != opts.SourcePath && !opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !opts.FileSpec.MatchString(name) || excluded.MatchString(name) {
			return nil
		}
		rel, err := filepath.Rel(opts.SourcePath, p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", opts.SourcePath, err)
	}
	return files, nil
}

func uploadFile(ctx context.Context, repo repository.Repository, src, dst string, opts Options) (bool, error) {
	f, err := os.Open(src)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", src, err)
	}

	if opts.CheckMD5 {
		h := md5.New()
		if _, err := io.Copy(h, f); err != nil {
			return false, fmt.Errorf("hash %s: %w", src, err)
		}
		local := hex.EncodeToString(h.Sum(nil))
		info, err := repo.Stat(ctx, dst)
		switch {
		case err == nil && strings.EqualFold(info.MD5, local):
			printer.Skip(opts.Out, "   %s already up to date - skipping", path.Base(dst))
			return false, nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return false, fmt.Errorf("stat %s: %w", dst, err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return false, fmt.Errorf("rewind %s: %w", src, err)
		}
	}

	if err := repo.Delete(ctx, dst); err != nil {
		return false, fmt.Errorf("delete %s: %w", dst, err)
	}
	if err := repo.Write(ctx, dst, f, fi.Size()); err != nil {
		return false, fmt.Errorf("write %s: %w", dst, err)
	}
	return true, nil
}

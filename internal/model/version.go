package model

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// DefaultVersion is used when no explicit version is given and no machine rule matches.
const DefaultVersion Version = 1

// NoVersion is reported by code that is not running under the loader.
const NoVersion Version = -1

// Version identifies a deployment generation. Only equality and its use as a
// path prefix carry meaning.
type Version int64

// ParseVersion parses a non-negative decimal version.
func ParseVersion(s string) (Version, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("version %d is negative", n)
	}
	return Version(n), nil
}

func (v Version) String() string {
	return strconv.FormatInt(int64(v), 10)
}

// BasePath returns the repository prefix for artifacts of this version, e.g. "3/".
func (v Version) BasePath() string {
	return v.String() + "/"
}

// Extension constants for candidate artifact files.
const (
	ExtLibrary    = ".so"
	ExtExecutable = ".exe"
)

// DefaultExtensions is the probe order for module artifacts: library first, then executable.
var DefaultExtensions = []string{ExtLibrary, ExtExecutable}

// DebugExtension is the extension of the companion debug-symbols file.
const DebugExtension = ".sym"

// ArtifactKey addresses a module artifact in the repository.
type ArtifactKey struct {
	BasePath   string
	Name       string
	Extensions []string
}

// NewArtifactKey builds a key for name under the given version using the default extensions.
func NewArtifactKey(v Version, name string) ArtifactKey {
	return ArtifactKey{
		BasePath:   v.BasePath(),
		Name:       name,
		Extensions: DefaultExtensions,
	}
}

// Candidates returns the repository paths to probe, in order.
func (k ArtifactKey) Candidates() []string {
	base := NormalizePath(k.BasePath + k.Name)
	out := make([]string, 0, len(k.Extensions))
	for _, ext := range k.Extensions {
		out = append(out, base+ext)
	}
	return out
}

// DebugPath returns the debug-symbols sibling of an artifact path.
func DebugPath(artifactPath string) string {
	ext := path.Ext(artifactPath)
	return strings.TrimSuffix(artifactPath, ext) + DebugExtension
}

// SitePath returns the repository path of a hosted web asset:
// aspnet/<site>/<version>/<rel>.
func SitePath(site string, v Version, rel string) string {
	rel = NormalizePath(rel)
	rel = strings.TrimPrefix(rel, "~")
	rel = strings.TrimLeft(rel, "/")
	return "aspnet/" + site + "/" + v.String() + "/" + rel
}

// NormalizePath converts a repository path to forward slashes without a leading slash.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimLeft(p, "/")
}

// StripQualifier removes a trailing ", qualifier" from a fully qualified module name.
func StripQualifier(name string) string {
	if idx := strings.Index(name, ","); idx > 0 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

// ModuleName returns the logical module name of a target file: its base name
// without extension.
func ModuleName(target string) string {
	base := path.Base(NormalizePath(target))
	return strings.TrimSuffix(base, path.Ext(base))
}

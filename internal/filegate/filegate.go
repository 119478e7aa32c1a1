// Package filegate validates that a requested log path is safe to read and
// computes a stable fingerprint for it, used by internal/coalescer as the
// cache key for a file's analysis result.
package filegate

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"attrsvc/internal/attrerr"
	"attrsvc/internal/logging"
)

// FingerprintMode selects how a file's content identity is derived. It is
// fixed at construction time: mixing modes within one process would make
// cache keys computed before and after a restart incomparable in
// inconsistent ways, so there is no per-call override.
type FingerprintMode int

const (
	// FingerprintContent hashes the file's bytes with blake2b-128. Exact but
	// requires reading the whole file.
	FingerprintContent FingerprintMode = iota
	// FingerprintPathSizeMtime hashes (path, size, mtime) with xxhash.
	// Cheap, but a file rewritten with the same size and mtime collides.
	FingerprintPathSizeMtime
)

// Fingerprint is a 128-bit content identity.
type Fingerprint [16]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Config configures a Gate.
type Config struct {
	// AllowedRoot bounds every path a Gate will accept. Resolved (symlinks
	// followed) once at construction.
	AllowedRoot string
	// MinFileSizeKB rejects files smaller than this as EMPTY_FILE; a
	// zero-byte or truncated log can never carry a real failure signature.
	MinFileSizeKB int
	Mode          FingerprintMode
	Logger        *slog.Logger
}

// Gate validates paths against an allowed root and fingerprints their
// content.
type Gate struct {
	root    string
	minSize int64
	mode    FingerprintMode
	logger  *slog.Logger
}

// New resolves cfg.AllowedRoot and returns a Gate. The root must exist and
// be a directory.
func New(cfg Config) (*Gate, error) {
	if cfg.AllowedRoot == "" {
		return nil, fmt.Errorf("filegate: AllowedRoot must not be empty")
	}
	abs, err := filepath.Abs(cfg.AllowedRoot)
	if err != nil {
		return nil, fmt.Errorf("filegate: resolving allowed root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("filegate: evaluating allowed root symlinks: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("filegate: statting allowed root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("filegate: allowed root %q is not a directory", resolved)
	}
	minSize := int64(cfg.MinFileSizeKB) * 1024
	if cfg.MinFileSizeKB == 0 {
		minSize = 1024
	}
	return &Gate{
		root:    resolved,
		minSize: minSize,
		mode:    cfg.Mode,
		logger:  logging.Default(cfg.Logger).With("component", "filegate"),
	}, nil
}

// FileFingerprint describes a validated file.
type FileFingerprint struct {
	// Path is the canonical, symlink-resolved absolute path.
	Path        string
	Size        int64
	Fingerprint Fingerprint
}

// Validate resolves path, checks it is inside the allowed root, is a
// readable regular file at least MinFileSizeKB large, and returns its
// fingerprint.
func (g *Gate) Validate(path string) (FileFingerprint, *attrerr.Error) {
	resolved, info, aerr := g.resolve(path)
	if aerr != nil {
		return FileFingerprint{}, aerr
	}
	if !info.Mode().IsRegular() {
		return FileFingerprint{}, attrerr.Newf(attrerr.NotRegular, "%s is not a regular file", path).
			WithDetails(map[string]any{"path": path})
	}
	if info.Size() < g.minSize {
		return FileFingerprint{}, attrerr.Newf(attrerr.EmptyFile, "%s is smaller than the minimum size", path).
			WithDetails(map[string]any{"path": path, "size": info.Size()})
	}
	fp, err := g.fingerprint(resolved, info)
	if err != nil {
		return FileFingerprint{}, attrerr.Wrap(attrerr.NotReadable, "computing fingerprint", err).
			WithDetails(map[string]any{"path": path})
	}
	return FileFingerprint{Path: resolved, Size: info.Size(), Fingerprint: fp}, nil
}

// Preview returns up to n bytes from the start of path, after the same
// root, existence and regular-file checks Validate performs. The minimum
// size check is not applied, so files below MinFileSizeKB can be previewed.
func (g *Gate) Preview(path string, n int) ([]byte, *attrerr.Error) {
	resolved, info, aerr := g.resolve(path)
	if aerr != nil {
		return nil, aerr
	}
	if !info.Mode().IsRegular() {
		return nil, attrerr.Newf(attrerr.NotRegular, "%s is not a regular file", path).
			WithDetails(map[string]any{"path": path})
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, attrerr.Wrap(attrerr.NotReadable, "opening file", err).
			WithDetails(map[string]any{"path": path})
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, attrerr.Wrap(attrerr.NotReadable, "reading file", err).
			WithDetails(map[string]any{"path": path})
	}
	return buf[:read], nil
}

// resolve turns path into an absolute, symlink-free path inside g.root,
// returning the NOT_FOUND/OUTSIDE_ROOT/NOT_READABLE error for every way that
// can fail. Both Validate and Preview funnel through here so the boundary
// check can never be bypassed by one of the two call paths.
func (g *Gate) resolve(path string) (string, os.FileInfo, *attrerr.Error) {
	if path == "" {
		return "", nil, attrerr.New(attrerr.InvalidPath, "path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, attrerr.Wrap(attrerr.InvalidPath, "resolving path", err).
			WithDetails(map[string]any{"path": path})
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, attrerr.Newf(attrerr.NotFound, "%s does not exist", path).
				WithDetails(map[string]any{"path": path})
		}
		return "", nil, attrerr.Wrap(attrerr.NotReadable, "resolving symlinks", err).
			WithDetails(map[string]any{"path": path})
	}
	if resolved != g.root && !strings.HasPrefix(resolved, g.root+string(filepath.Separator)) {
		return "", nil, attrerr.Newf(attrerr.OutsideRoot, "%s is outside the allowed root", path).
			WithDetails(map[string]any{"path": path, "root": g.root})
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, attrerr.Newf(attrerr.NotFound, "%s does not exist", path).
				WithDetails(map[string]any{"path": path})
		}
		return "", nil, attrerr.Wrap(attrerr.NotReadable, "statting file", err).
			WithDetails(map[string]any{"path": path})
	}
	return resolved, info, nil
}

// fingerprint computes the configured digest over an already-resolved path.
func (g *Gate) fingerprint(resolved string, info os.FileInfo) (Fingerprint, error) {
	switch g.mode {
	case FingerprintPathSizeMtime:
		h := xxhash.New()
		fmt.Fprintf(h, "%s|%d|%d", resolved, info.Size(), info.ModTime().UnixNano())
		var fp Fingerprint
		sum := h.Sum(nil)
		copy(fp[:8], sum)
		// Fill the remaining 8 bytes with a second pass salted by the first
		// sum, so the fallback mode still yields a 128-bit key comparable in
		// shape to the content mode.
		h2 := xxhash.New()
		h2.Write(sum)
		fmt.Fprintf(h2, "|%s", resolved)
		copy(fp[8:], h2.Sum(nil))
		return fp, nil
	default:
		f, err := os.Open(resolved)
		if err != nil {
			return Fingerprint{}, err
		}
		defer f.Close()
		h, err := blake2b.New(16, nil)
		if err != nil {
			return Fingerprint{}, err
		}
		if _, err := io.Copy(h, f); err != nil {
			return Fingerprint{}, err
		}
		var fp Fingerprint
		copy(fp[:], h.Sum(nil))
		return fp, nil
	}
}

// Package sandbox confines filesystem access to a session's working
// directory: path resolution, filtered listings, bounded reads, and a
// debounced change watcher.
package sandbox

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/acpproxy/acp-proxy/internal/common/logger"
)

// ErrPathEscapesSandbox is returned when a path resolves outside the root.
var ErrPathEscapesSandbox = errors.New("path escapes sandbox")

const (
	// maxTextSize caps text file reads (100 KiB).
	maxTextSize = 100 * 1024
	// maxImageSize caps inline base64 image reads (1 MiB).
	maxImageSize = 1024 * 1024

	truncationMarker = "\n\n[Content truncated]"
	binaryStub       = "[Binary file]"
)

// ignoredNames are never listed or watched.
var ignoredNames = map[string]bool{
	"node_modules":      true,
	".git":              true,
	"dist":              true,
	"build":             true,
	".next":             true,
	"coverage":          true,
	".acp-proxy":        true,
	".DS_Store":         true,
	"thumbs.db":         true,
	"bun.lockb":         true,
	"package-lock.json": true,
}

// ignoredExtensions are never listed or watched.
var ignoredExtensions = map[string]bool{
	".lock": true,
}

var imageMimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".ico":  "image/x-icon",
	".svg":  "image/svg+xml",
}

var binaryExtensions = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".o": true, ".a": true, ".class": true, ".jar": true, ".wasm": true,
	".zip": true, ".gz": true, ".tar": true, ".tgz": true, ".7z": true,
	".rar": true, ".bz2": true, ".xz": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true,
	".mp3": true, ".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".wav": true, ".ogg": true, ".flac": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".db": true, ".sqlite": true,
}

// ignored reports whether a file or directory name is excluded from
// listings and watch events.
func ignored(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	if ignoredNames[name] {
		return true
	}
	return ignoredExtensions[strings.ToLower(filepath.Ext(name))]
}

// Entry is one child of a listed directory.
type Entry struct {
	Name    string    `json:"name"`
	RelPath string    `json:"relPath"`
	Kind    string    `json:"kind"` // "file" or "dir"
	Size    int64     `json:"size,omitempty"`
	Mtime   time.Time `json:"mtime"`
}

// FileContent is the result of a bounded file read.
type FileContent struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Binary    bool   `json:"binary"`
	Truncated bool   `json:"truncated,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// Sandbox confines all operations to a root directory.
type Sandbox struct {
	root   string
	logger *logger.Logger
}

// New creates a sandbox rooted at the given directory. The root must exist;
// symlinks in it are resolved once so later prefix checks compare real paths.
func New(root string, log *logger.Logger) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root is not a directory: %s", root)
	}
	return &Sandbox{
		root:   resolved,
		logger: log.WithComponent("sandbox"),
	}, nil
}

// Root returns the resolved sandbox root.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps a user-supplied relative path to an absolute path inside the
// root. Absolute inputs, ".." escapes, and symlinks pointing outside the
// root are rejected with ErrPathEscapesSandbox.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", ErrPathEscapesSandbox
	}
	abs := filepath.Clean(filepath.Join(s.root, rel))
	if !s.contains(abs) {
		return "", ErrPathEscapesSandbox
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// Target does not exist yet (e.g. a write); the lexical check
			// above already passed.
			return abs, nil
		}
		return "", err
	}
	if !s.contains(resolved) {
		return "", ErrPathEscapesSandbox
	}
	return resolved, nil
}

func (s *Sandbox) contains(abs string) bool {
	return abs == s.root || strings.HasPrefix(abs, s.root+string(filepath.Separator))
}

// ListDir returns the filtered children of a directory, directories first,
// then case-insensitive by name.
func (s *Sandbox) ListDir(rel string) ([]Entry, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if ignored(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		kind := "file"
		var size int64
		if de.IsDir() {
			kind = "dir"
		} else {
			size = info.Size()
		}
		entries = append(entries, Entry{
			Name:    name,
			RelPath: filepath.ToSlash(filepath.Join(rel, name)),
			Kind:    kind,
			Size:    size,
			Mtime:   info.ModTime(),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind == "dir"
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// ReadFile reads a file with type-dependent bounds: binary extensions get a
// stub, images up to 1 MiB are inlined as base64, everything else is text
// capped at 100 KiB with a trailing truncation marker.
func (s *Sandbox) ReadFile(rel string) (*FileContent, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("is a directory: %s", rel)
	}

	result := &FileContent{
		Path: filepath.ToSlash(rel),
		Size: info.Size(),
	}
	ext := strings.ToLower(filepath.Ext(abs))

	if binaryExtensions[ext] {
		result.Binary = true
		result.Content = binaryStub
		return result, nil
	}

	if mime, isImage := imageMimeTypes[ext]; isImage {
		result.Binary = true
		result.MimeType = mime
		if info.Size() > maxImageSize {
			result.Content = binaryStub
			result.Truncated = true
			return result, nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		result.Content = base64.StdEncoding.EncodeToString(data)
		return result, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, maxTextSize+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if n > maxTextSize {
		result.Content = string(buf[:maxTextSize]) + truncationMarker
		result.Truncated = true
	} else {
		result.Content = string(buf[:n])
	}
	return result, nil
}

// ReadTextFile serves the agent's fs/readTextFile callback: unfiltered text
// read, optionally windowed to a 1-based start line and line count.
func (s *Sandbox) ReadTextFile(rel string, line, limit *int) (string, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(data)
	if line == nil && limit == nil {
		return content, nil
	}

	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// WriteTextFile serves the agent's fs/writeTextFile callback, creating
// parent directories as needed.
func (s *Sandbox) WriteTextFile(rel, content string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

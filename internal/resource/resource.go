// Package resource holds the pure helpers the rest of the pipeline is
// built on: URL identity normalization, filename sanitization, unique
// archive-path assignment, order-preserving dedup and content hashing.
package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"coursezipgo/internal/models"
)

const (
	maxNameLength = 180
	fallbackName  = "file"
)

var (
	illegalChars   = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// NormalizeIdentity returns the canonical identity key for a resource URL:
// fragment stripped, scheme and host lowercased, trailing path slash
// removed. Equivalent URLs differing only in fragment map to one key.
func NormalizeIdentity(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}

// SanitizeName makes a string safe to use as a file or folder name on
// common filesystems. Idempotent: sanitizing twice changes nothing.
func SanitizeName(raw string) string {
	name := illegalChars.ReplaceAllString(raw, "_")
	name = whitespaceRuns.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxNameLength {
		runes := []rune(name)
		name = strings.TrimSpace(string(runes[:maxNameLength]))
	}
	if name == "" {
		return fallbackName
	}
	return name
}

// SanitizePath sanitizes every component of a slash-separated archive
// path, dropping empty components.
func SanitizePath(archivePath string) string {
	parts := strings.Split(archivePath, "/")
	out := parts[:0]
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		out = append(out, SanitizeName(part))
	}
	return strings.Join(out, "/")
}

// PathRegistry tracks archive entry paths already taken within one build.
// Not safe for concurrent use; callers serialize access.
type PathRegistry struct {
	used map[string]struct{}
}

func NewPathRegistry() *PathRegistry {
	return &PathRegistry{used: make(map[string]struct{})}
}

// Unique returns candidate unchanged if it is still free, otherwise the
// first free variant with a parenthesized counter before the extension
// ("name (1).ext", "name (2).ext", ...). The returned path is registered.
func (r *PathRegistry) Unique(candidate string) string {
	if _, taken := r.used[candidate]; !taken {
		r.used[candidate] = struct{}{}
		return candidate
	}
	ext := path.Ext(candidate)
	base := strings.TrimSuffix(candidate, ext)
	for i := 1; ; i++ {
		next := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, taken := r.used[next]; !taken {
			r.used[next] = struct{}{}
			return next
		}
	}
}

// Dedupe keeps the first resource per normalized identity, preserving
// the input order.
func Dedupe(resources []models.Resource) []models.Resource {
	seen := make(map[string]struct{}, len(resources))
	out := make([]models.Resource, 0, len(resources))
	for _, res := range resources {
		key := NormalizeIdentity(res.URL)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, res)
	}
	return out
}

// ContentHash is the SHA-256 of the exact bytes written to an archive
// entry, as lowercase hex.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var fileTypeByExt = map[string]string{
	".pdf":  "pdf",
	".doc":  "document",
	".docx": "document",
	".odt":  "document",
	".ppt":  "slides",
	".pptx": "slides",
	".odp":  "slides",
	".xls":  "sheet",
	".xlsx": "sheet",
	".ods":  "sheet",
	".csv":  "sheet",
	".png":  "image",
	".jpg":  "image",
	".jpeg": "image",
	".gif":  "image",
	".svg":  "image",
	".mp4":  "video",
	".mkv":  "video",
	".webm": "video",
	".mp3":  "audio",
	".wav":  "audio",
	".zip":  "archive",
	".rar":  "archive",
	".7z":   "archive",
	".gz":   "archive",
	".txt":  "text",
	".md":   "text",
}

// FileTypeOf infers a coarse type tag from the name or URL extension.
// Best effort, used for grouping and stats only.
func FileTypeOf(name, rawURL string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		if u, err := url.Parse(rawURL); err == nil {
			ext = strings.ToLower(path.Ext(u.Path))
		}
	}
	if t, ok := fileTypeByExt[ext]; ok {
		return t
	}
	return "other"
}

// Package resolver translates user-visible handles in tool arguments
// (cache identifiers, Drive URLs, preview links) to concrete local file
// paths before an adapter call.
package resolver

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"

	"github.com/ChamsBouzaiene/conduit/internal/cache"
)

var (
	driveURLPattern = regexp.MustCompile(`^https://(?:drive|docs)\.google\.com/\S+$`)
	driveIDPattern  = regexp.MustCompile(`/d/([A-Za-z0-9_-]+)|[?&]id=([A-Za-z0-9_-]+)`)
)

// Downloader fetches a Drive file's bytes. Implemented by auth.Service.
type Downloader interface {
	DownloadDriveFile(ctx context.Context, userID, fileID string) ([]byte, string, error)
}

// Resolver rewrites string argument leaves.
type Resolver struct {
	cache         *cache.Cache
	downloader    Downloader
	previewPrefix string
}

// New builds a resolver. previewPrefix is the URL path prefix preview links
// carry (e.g. "/api/preview/").
func New(c *cache.Cache, downloader Downloader, previewPrefix string) *Resolver {
	return &Resolver{cache: c, downloader: downloader, previewPrefix: previewPrefix}
}

// ResolveArgs returns a copy of args with every string leaf translated.
// Non-string values and unresolvable strings pass through unchanged.
func (r *Resolver) ResolveArgs(ctx context.Context, userID string, args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = r.resolveValue(ctx, userID, v)
	}
	return out
}

func (r *Resolver) resolveValue(ctx context.Context, userID string, v any) any {
	switch vv := v.(type) {
	case string:
		return r.ResolveString(ctx, userID, vv)
	case map[string]any:
		return r.ResolveArgs(ctx, userID, vv)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = r.resolveValue(ctx, userID, item)
		}
		return out
	default:
		return v
	}
}

// ResolveString translates one string. Resolution order: Drive URL, cache
// URI or bare cache id, preview link, passthrough.
func (r *Resolver) ResolveString(ctx context.Context, userID, s string) string {
	if driveURLPattern.MatchString(s) {
		if resolved, ok := r.resolveDrive(ctx, userID, s); ok {
			return resolved
		}
		return s
	}

	if id, ok := strings.CutPrefix(s, "cache://"); ok {
		if resolved, ok := r.resolveCacheID(id); ok {
			return resolved
		}
		return s
	}

	if cache.ValidID(s) {
		if resolved, ok := r.resolveCacheID(s); ok {
			return resolved
		}
		return s
	}

	if r.previewPrefix != "" {
		if idx := strings.Index(s, r.previewPrefix); idx >= 0 {
			id := strings.TrimPrefix(s[idx:], r.previewPrefix)
			id = strings.TrimRight(id, "/")
			if resolved, ok := r.resolveCacheID(id); ok {
				return resolved
			}
		}
	}

	return s
}

// resolveCacheID maps a cache id to its file:// path when the file exists
// and lies within the cache root.
func (r *Resolver) resolveCacheID(id string) (string, bool) {
	if !cache.ValidID(id) {
		return "", false
	}
	path, err := r.cache.PathFor(id)
	if errors.Is(err, cache.ErrNotFound) {
		return "", false
	}
	if err != nil {
		log.Printf("resolver: cache lookup for %q failed: %v", id, err)
		return "", false
	}
	return "file://" + path, true
}

// resolveDrive downloads the file once into the cache and returns its
// file:// path. Already-cached ids are served from disk.
func (r *Resolver) resolveDrive(ctx context.Context, userID, url string) (string, bool) {
	m := driveIDPattern.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	fileID := m[1]
	if fileID == "" {
		fileID = m[2]
	}

	if resolved, ok := r.resolveCacheID(fileID); ok {
		return resolved, true
	}
	if r.downloader == nil {
		return "", false
	}

	data, mediaType, err := r.downloader.DownloadDriveFile(ctx, userID, fileID)
	if err != nil {
		log.Printf("resolver: drive download for %q failed: %v", fileID, err)
		return "", false
	}
	path, err := r.cache.Put(fileID, extForMediaType(mediaType), data)
	if err != nil {
		log.Printf("resolver: failed to cache drive file %q: %v", fileID, err)
		return "", false
	}
	return "file://" + path, true
}

func extForMediaType(mediaType string) string {
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	switch strings.TrimSpace(mediaType) {
	case "application/pdf":
		return "pdf"
	case "text/plain":
		return "txt"
	case "text/markdown":
		return "md"
	case "text/csv":
		return "csv"
	case "application/json":
		return "json"
	case "text/html":
		return "html"
	default:
		return "bin"
	}
}

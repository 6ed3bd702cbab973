// Package urlutil joins base URLs and paths for artifact links.
package urlutil

import (
	"strings"
)

// BuildAbsolute builds an absolute URL from a base origin and a path.
// An already absolute path is returned unchanged.
func BuildAbsolute(base, path string) string {
	base = normalizeBaseURL(base)
	if path == "" {
		return base
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

// ObjectURL returns the public URL of key inside bucket. With no public
// base the s3:// form is returned.
func ObjectURL(publicBase, bucket, key string) string {
	key = strings.TrimLeft(key, "/")
	if normalizeBaseURL(publicBase) == "" {
		return "s3://" + bucket + "/" + key
	}
	return BuildAbsolute(publicBase, key)
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/")
}

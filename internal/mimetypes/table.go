// Package mimetypes maps file extensions to MIME types for static-file
// serving. It leans on the standard library's mime package, supplemented
// with a small static table covering the extensions a typical static
// file server actually serves.
package mimetypes

import (
	"mime"
	"path/filepath"
	"strings"
)

// table covers the common static-asset extensions.
var table = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".txt":  "text/plain",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".pdf":  "application/pdf",
}

const defaultType = "application/octet-stream"

// ForPath returns the MIME type for the file at path, by extension.
func ForPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := table[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return defaultType
}

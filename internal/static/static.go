// Package static implements the static-file serving middleware: resolve a
// URI to a file under a public root, reject path escapes, map extension to
// MIME type, and respond 404/403/405 on miss, permission denial, or
// unsupported method. It sits outside the scheduler core; it drives the
// core only through handler.Context's Send and SendFile (asyncio's
// SendAsync and SendfileAsync), never touching the scheduler or fd table
// directly.
package static

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loomhttp/loom/internal/handler"
	"github.com/loomhttp/loom/internal/mimetypes"
)

const indexFile = "index.html"

// FileServer serves files from root, the Go analogue of the original's
// "public" directory.
type FileServer struct {
	root string
}

// NewFileServer constructs a FileServer rooted at root. root is resolved
// to an absolute path at construction so every later containment check is
// a simple prefix comparison.
func NewFileServer(root string) (*FileServer, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FileServer{root: abs}, nil
}

// Serve is the final handler in the pipeline: it resolves the request URI
// to a file under root and streams it back, or produces the appropriate
// error response.
func (fs *FileServer) Serve(ctx *handler.Context) error {
	if ctx.Request.Method != http.MethodGet && ctx.Request.Method != http.MethodHead {
		return fs.respondError(ctx, 405, "Method Not Allowed")
	}

	full, ok := fs.resolve(ctx.Request.URI)
	if !ok {
		return fs.respondError(ctx, 403, "Forbidden")
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return fs.respondError(ctx, 404, "Not Found")
		}
		if os.IsPermission(err) {
			return fs.respondError(ctx, 403, "Forbidden")
		}
		return fs.respondError(ctx, 500, "Internal Server Error")
	}
	if info.IsDir() {
		full = filepath.Join(full, indexFile)
		info, err = os.Stat(full)
		if err != nil {
			return fs.respondError(ctx, 404, "Not Found")
		}
	}

	head := handler.NewResponse(200, "OK").
		Header("Content-Type", mimetypes.ForPath(full)).
		Header("Content-Length", strconv.FormatInt(info.Size(), 10)).
		ConnectionHeader(ctx.KeepAlive).
		End("")
	if _, err := ctx.Send(head); err != nil {
		return err
	}
	if ctx.Request.Method == http.MethodHead {
		return nil
	}
	_, err = ctx.SendFile(full, info.Size())
	return err
}

// resolve maps a request URI to an absolute path guaranteed to sit under
// fs.root, rejecting any ".." escape attempt.
func (fs *FileServer) resolve(uri string) (string, bool) {
	if uri == "" || uri == "/" {
		uri = "/" + indexFile
	}
	full := filepath.Join(fs.root, uri)
	if full != fs.root && !strings.HasPrefix(full, fs.root+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func (fs *FileServer) respondError(ctx *handler.Context, status int, reason string) error {
	body := strconv.Itoa(status) + " " + reason
	_, err := ctx.Send(handler.PlainTextError(status, reason, body))
	return err
}

package handler

import "github.com/loomhttp/loom/internal/httpparser"

// URIDecodeMiddleware is a dedicated pipeline stage applying the %HH/+
// decode pass to the request URI before routing, rather than folding it
// into the parser itself.
func URIDecodeMiddleware(next Handler) Handler {
	return func(ctx *Context) error {
		ctx.Request.URI = httpparser.DecodeURI(ctx.Request.URI)
		return next(ctx)
	}
}

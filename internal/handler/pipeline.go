package handler

// Pipeline is the ordered middleware chain invoked with
// (req, keep_alive, worker, fd). It is built once at server startup
// and is immutable thereafter, so no locking is needed since every
// connection coroutine only ever reads it.
type Pipeline struct {
	handler Handler
}

// NewPipeline composes final behind the given middlewares, first-listed
// runs outermost (sees the request first, the response last).
func NewPipeline(final Handler, mws ...Middleware) *Pipeline {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return &Pipeline{handler: h}
}

// Handle runs the composed chain.
func (p *Pipeline) Handle(ctx *Context) error {
	return p.handler(ctx)
}

package velox

import "strings"

// Router matches requests by method and path. Path segments starting with a
// colon capture parameters; a trailing "*" segment matches any suffix.
type Router struct {
	routes   map[string][]route
	notFound Handler
}

type route struct {
	segments []string
	handler  Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string][]route)}
}

// Handle registers a handler for method and path.
func (r *Router) Handle(method, path string, h Handler) {
	r.routes[method] = append(r.routes[method], route{
		segments: splitPath(path),
		handler:  h,
	})
}

// GET registers a GET (and HEAD) route.
func (r *Router) GET(path string, h HandlerFunc) {
	r.Handle("GET", path, h)
	r.Handle("HEAD", path, h)
}

// POST registers a POST route.
func (r *Router) POST(path string, h HandlerFunc) { r.Handle("POST", path, h) }

// PUT registers a PUT route.
func (r *Router) PUT(path string, h HandlerFunc) { r.Handle("PUT", path, h) }

// DELETE registers a DELETE route.
func (r *Router) DELETE(path string, h HandlerFunc) { r.Handle("DELETE", path, h) }

// NotFound overrides the default 404 handler.
func (r *Router) NotFound(h Handler) { r.notFound = h }

// Serve implements Handler by dispatching to the matching route.
func (r *Router) Serve(c *Context) error {
	path := c.Path()
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segments := splitPath(path)
	for _, rt := range r.routes[c.Method()] {
		params, ok := match(rt.segments, segments)
		if !ok {
			continue
		}
		c.params = params
		return rt.handler.Serve(c)
	}
	if r.notFound != nil {
		return r.notFound.Serve(c)
	}
	return c.String(404, "not found")
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func match(pattern, segments []string) (map[string]string, bool) {
	var params map[string]string
	for i, seg := range pattern {
		if seg == "*" {
			return params, true
		}
		if i >= len(segments) {
			return nil, false
		}
		if strings.HasPrefix(seg, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:]] = segments[i]
			continue
		}
		if seg != segments[i] {
			return nil, false
		}
	}
	if len(pattern) != len(segments) {
		return nil, false
	}
	return params, true
}

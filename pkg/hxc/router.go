package hxc

import (
	"fmt"
	"strings"
	"sync"
)

// Router implements path-based routing with parameters, middleware and
// groups, dispatching onto a Context built from an engine.Transaction.
type Router struct {
	routes       map[string]*routeNode
	middlewares  []Middleware
	notFound     Handler
	errorHandler ErrorHandler
}

// ErrorHandler renders an error returned by a Handler into a response.
type ErrorHandler func(ctx *Context, err error) error

type routeNode struct {
	path      string
	handler   Handler
	children  map[string]*routeNode
	isParam   bool
	paramName string
	isWild    bool
}

var paramsPool = sync.Pool{New: func() any { return make(map[string]string, 4) }}

// NewRouter creates a Router with default 404 and error handling.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]*routeNode),
		notFound: HandlerFunc(func(ctx *Context) error {
			return ctx.String(404, "Not Found")
		}),
		errorHandler: DefaultErrorHandler,
	}
}

// DefaultErrorHandler renders an HTTPError by status code, or 500 otherwise.
func DefaultErrorHandler(ctx *Context, err error) error {
	accept := ctx.Header().Get("accept")
	if httpErr, ok := err.(*HTTPError); ok {
		if strings.Contains(accept, "application/json") {
			return ctx.JSON(httpErr.Code, map[string]interface{}{
				"error": httpErr.Message, "code": httpErr.Code, "details": httpErr.Details,
			})
		}
		return ctx.String(httpErr.Code, "%s", httpErr.Message)
	}
	if strings.Contains(accept, "application/json") {
		return ctx.JSON(500, map[string]interface{}{"error": err.Error(), "code": 500})
	}
	return ctx.String(500, "Internal Server Error")
}

// HTTPError is an error carrying an HTTP status code.
type HTTPError struct {
	Code    int
	Message string
	Details interface{}
}

func (e *HTTPError) Error() string { return e.Message }

// NewHTTPError constructs an HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{Code: code, Message: message}
}

// WithDetails attaches structured detail to an HTTPError.
func (e *HTTPError) WithDetails(details interface{}) *HTTPError {
	e.Details = details
	return e
}

func (r *Router) Use(middlewares ...Middleware) { r.middlewares = append(r.middlewares, middlewares...) }
func (r *Router) NotFound(h Handler)             { r.notFound = h }
func (r *Router) SetErrorHandler(h ErrorHandler)  { r.errorHandler = h }

func (r *Router) GET(path string, h interface{})     { r.addRoute("GET", path, r.wrapHandler(h)) }
func (r *Router) POST(path string, h interface{})    { r.addRoute("POST", path, r.wrapHandler(h)) }
func (r *Router) PUT(path string, h interface{})     { r.addRoute("PUT", path, r.wrapHandler(h)) }
func (r *Router) DELETE(path string, h interface{})  { r.addRoute("DELETE", path, r.wrapHandler(h)) }
func (r *Router) PATCH(path string, h interface{})   { r.addRoute("PATCH", path, r.wrapHandler(h)) }
func (r *Router) HEAD(path string, h interface{})    { r.addRoute("HEAD", path, r.wrapHandler(h)) }
func (r *Router) OPTIONS(path string, h interface{}) { r.addRoute("OPTIONS", path, r.wrapHandler(h)) }
func (r *Router) Handle(method, path string, h interface{}) {
	r.addRoute(method, path, r.wrapHandler(h))
}

func (r *Router) wrapHandler(handler interface{}) Handler {
	switch h := handler.(type) {
	case Handler:
		return h
	case func(*Context) error:
		return HandlerFunc(h)
	default:
		panic(fmt.Sprintf("hxc: invalid handler type: %T", handler))
	}
}

func (r *Router) addRoute(method, path string, handler Handler) {
	if path == "" || path[0] != '/' {
		panic("hxc: path must begin with '/'")
	}
	root, ok := r.routes[method]
	if !ok {
		root = &routeNode{path: "/", children: make(map[string]*routeNode)}
		r.routes[method] = root
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		root.handler = handler
		return
	}
	current := root
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		isParam := strings.HasPrefix(segment, ":")
		isWild := strings.HasPrefix(segment, "*")
		key := segment
		if isParam || isWild {
			key = segment[0:1]
		}
		child, ok := current.children[key]
		if !ok {
			child = &routeNode{path: segment, children: make(map[string]*routeNode), isParam: isParam, isWild: isWild}
			if isParam || isWild {
				child.paramName = segment[1:]
			}
			current.children[key] = child
		}
		current = child
	}
	current.handler = handler
}

// Serve implements Handler, dispatching to the matched route.
func (r *Router) Serve(ctx *Context) error {
	handler, params := r.FindRoute(ctx.Method(), ctx.Path())
	if params != nil {
		ctx.setParams(params)
	}

	if len(r.middlewares) > 0 {
		handler = Chain(r.middlewares...)(handler)
	}

	if err := handler.Serve(ctx); err != nil {
		if r.errorHandler != nil {
			if handlerErr := r.errorHandler(ctx, err); handlerErr != nil {
				return handlerErr
			}
			return ctx.flush()
		}
		return err
	}
	return ctx.flush()
}

// FindRoute locates the handler and path parameters for method/path.
func (r *Router) FindRoute(method, path string) (Handler, map[string]string) {
	root, ok := r.routes[method]
	if !ok {
		return r.notFound, nil
	}
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}
	if path == "/" {
		if root.handler != nil {
			return root.handler, nil
		}
		return r.notFound, nil
	}

	trimmed := strings.Trim(path, "/")
	var params map[string]string
	current := root
	start := 0
	for i := 0; i <= len(trimmed); i++ {
		if i < len(trimmed) && trimmed[i] != '/' {
			continue
		}
		segment := trimmed[start:i]
		start = i + 1
		if segment == "" {
			continue
		}
		if child, ok := current.children[segment]; ok {
			current = child
			continue
		}
		if child, ok := current.children[":"]; ok {
			if params == nil {
				params = paramsPool.Get().(map[string]string)
			}
			params[child.paramName] = segment
			current = child
			continue
		}
		if child, ok := current.children["*"]; ok {
			if params == nil {
				params = paramsPool.Get().(map[string]string)
			}
			remainderStart := i - len(segment)
			if remainderStart < 0 {
				remainderStart = 0
			}
			params[child.paramName] = trimmed[remainderStart:]
			current = child
			break
		}
		return r.notFound, nil
	}
	if current.handler == nil {
		return r.notFound, nil
	}
	return current.handler, params
}

// Group scopes a path prefix and a shared middleware stack.
type Group struct {
	router      *Router
	prefix      string
	middlewares []Middleware
}

// Group creates a route group under prefix.
func (r *Router) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{router: r, prefix: prefix, middlewares: middlewares}
}

func (g *Group) Use(middlewares ...Middleware) { g.middlewares = append(g.middlewares, middlewares...) }

func (g *Group) GET(path string, h interface{})    { g.handle("GET", path, g.router.wrapHandler(h)) }
func (g *Group) POST(path string, h interface{})   { g.handle("POST", path, g.router.wrapHandler(h)) }
func (g *Group) PUT(path string, h interface{})    { g.handle("PUT", path, g.router.wrapHandler(h)) }
func (g *Group) DELETE(path string, h interface{}) { g.handle("DELETE", path, g.router.wrapHandler(h)) }
func (g *Group) PATCH(path string, h interface{})  { g.handle("PATCH", path, g.router.wrapHandler(h)) }
func (g *Group) Handle(method, path string, h interface{}) {
	g.handle(method, path, g.router.wrapHandler(h))
}

func (g *Group) handle(method, path string, handler Handler) {
	fullPath := g.prefix + path
	if len(g.middlewares) > 0 {
		handler = Chain(g.middlewares...)(handler)
	}
	g.router.addRoute(method, fullPath, handler)
}

// Group nests a sub-group, combining prefixes and middleware.
func (g *Group) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{router: g.router, prefix: g.prefix + prefix, middlewares: append(g.middlewares, middlewares...)}
}

// Static serves files from root under prefix, guarding against directory
// traversal.
func (r *Router) Static(prefix, root string) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	r.GET(prefix+"*filepath", func(ctx *Context) error {
		fp := ctx.Param("filepath")
		if fp == "" {
			fp = "index.html"
		}
		fp = strings.TrimPrefix(fp, "/")
		if strings.Contains(fp, "..") {
			return ctx.String(403, "Forbidden")
		}
		return ctx.File(root + "/" + fp)
	})
}

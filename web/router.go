// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package web

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mellium.im/reactor"
)

// A Request is a complete request received by a router, with the
// placeholder values captured by the pattern that matched it.
type Request struct {
	Client  *ServerClient
	Method  string
	Path    string
	Headers []Header
	Content []byte
	Matches map[string]string
}

// Match returns the value captured for a routing key, or def when the
// pattern did not bind it.
func (r *Request) Match(key, def string) string {
	v, ok := r.Matches[key]
	if !ok {
		return def
	}
	return v
}

// Header returns the first value of the named header, matching the
// key case-insensitively.
func (r *Request) Header(key string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value, true
		}
	}
	return "", false
}

// A Handler responds to a request, typically by writing through
// req.Client. A panicking handler produces a 400 response carrying
// the panic text.
type Handler func(req *Request)

// A Route holds the handlers bound to one routing pattern, one per
// method.
type Route struct {
	handlers map[string]Handler
}

// Bind attaches a handler to an HTTP method. The method is matched
// case-insensitively.
func (r *Route) Bind(method string, handler Handler) *Route {
	r.handlers[strings.ToUpper(method)] = handler
	return r
}

// Get binds a handler to the GET method.
func (r *Route) Get(handler Handler) *Route { return r.Bind("GET", handler) }

// Put binds a handler to the PUT method.
func (r *Route) Put(handler Handler) *Route { return r.Bind("PUT", handler) }

// Post binds a handler to the POST method.
func (r *Route) Post(handler Handler) *Route { return r.Bind("POST", handler) }

// Delete binds a handler to the DELETE method.
func (r *Route) Delete(handler Handler) *Route { return r.Bind("DELETE", handler) }

// A Router dispatches requests to handlers by pattern.
//
// A pattern is a path with optional {name} placeholder segments and
// an optional query part: /entities/{entityId} matches /entities/100
// and captures entityId. Patterns are tried in the order they were
// configured; the first whose pattern and method both match wins.
// Requests no pattern handles fall back to files under DocumentRoot:
// a directory redirects to its index.html and a missing file is a
// 404.
type Router struct {
	*Server

	// DocumentRoot is the directory the static-file fallback serves
	// from. Empty serves relative to the working directory.
	DocumentRoot string

	patterns []string
	routes   map[string]*Route
}

// NewRouter returns a router driven by the given loop, serving files
// under documentRoot when no configured route matches.
func NewRouter(loop *reactor.Loop, documentRoot string) *Router {
	r := &Router{
		Server:       NewServer(loop),
		DocumentRoot: documentRoot,
		routes:       make(map[string]*Route),
	}
	r.Accepted.Subscribe(r.attach)
	return r
}

// Configure returns the route for a pattern, creating it if this is
// the first time the pattern is mentioned.
func (r *Router) Configure(pattern string) *Route {
	route, ok := r.routes[pattern]
	if !ok {
		route = &Route{handlers: make(map[string]Handler)}
		r.routes[pattern] = route
		r.patterns = append(r.patterns, pattern)
	}
	return route
}

// attach collects one request at a time from the connection and
// dispatches each as it ends.
func (r *Router) attach(sc *ServerClient) {
	var method, path string
	var headers []Header
	var content []byte
	sc.RequestStarted.Subscribe(func(start RequestStart) {
		method = start.Method
		path = start.Path
		headers = nil
		content = nil
	})
	sc.HeaderReceived.Subscribe(func(h Header) {
		headers = append(headers, h)
	})
	sc.ContentReceived.Subscribe(func(data []byte) {
		content = append(content, data...)
	})
	sc.RequestEnded.Subscribe(func(*ServerClient) {
		r.dispatch(&Request{
			Client:  sc,
			Method:  method,
			Path:    path,
			Headers: headers,
			Content: content,
		})
	})
}

func (r *Router) dispatch(req *Request) {
	for _, pattern := range r.patterns {
		matches, ok := matchPattern(pattern, req.Path)
		if !ok {
			continue
		}
		handler, ok := r.routes[pattern].handlers[strings.ToUpper(req.Method)]
		if !ok {
			continue
		}
		req.Matches = matches
		r.invoke(handler, req)
		return
	}
	r.serveFile(req)
}

// invoke runs a handler, converting a panic into a 400 response.
func (r *Router) invoke(handler Handler, req *Request) {
	defer func() {
		if v := recover(); v != nil {
			r.log().Error("handler failed",
				"method", req.Method, "path", req.Path, "panic", v)
			r.respond(req.Client, 400, "Bad Request", []byte(fmt.Sprint(v)))
		}
	}()
	handler(req)
}

func (r *Router) respond(sc *ServerClient, code int, description string, body []byte) {
	err := sc.Begin("HTTP/1.1", code, description)
	if err == nil {
		err = sc.SendHeader("Server", "reactor")
	}
	if err == nil {
		err = sc.SendHeader("Content-Type", "text/plain")
	}
	if err == nil {
		err = sc.Send(body)
	}
	if err == nil {
		err = sc.End()
	}
	if err != nil {
		r.log().Error("response failed", "code", code, "err", err)
	}
}

// serveFile is the fallback for requests no route handled. The
// request path is resolved under DocumentRoot after stripping any
// query part; path elements that would climb out of the root are
// cleaned away first.
func (r *Router) serveFile(req *Request) {
	path := req.Path
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	root := r.DocumentRoot
	if root == "" {
		root = "."
	}
	full := filepath.Join(root, filepath.Clean("/"+path))

	info, err := os.Stat(full)
	if err != nil {
		r.respond(req.Client, 404, "Not Found", nil)
		return
	}
	if info.IsDir() {
		err := req.Client.Begin("HTTP/1.1", 303, "See Other")
		if err == nil {
			err = req.Client.SendHeader("Server", "reactor")
		}
		if err == nil {
			err = req.Client.SendHeader("Location", path+"/index.html")
		}
		if err == nil {
			err = req.Client.End()
		}
		if err != nil {
			r.log().Error("redirect failed", "path", path, "err", err)
		}
		return
	}

	f, err := os.Open(full)
	if err != nil {
		r.respond(req.Client, 404, "Not Found", nil)
		return
	}
	defer f.Close()

	if err := req.Client.Begin("HTTP/1.1", 200, "OK"); err != nil {
		r.log().Error("response failed", "path", path, "err", err)
		return
	}
	if err := req.Client.SendHeader("Server", "reactor"); err != nil {
		r.log().Error("response failed", "path", path, "err", err)
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if err := req.Client.Send(buf[:n]); err != nil {
				r.log().Error("response failed", "path", path, "err", err)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			r.log().Error("file read failed", "path", path, "err", err)
			req.Client.Disconnect()
			return
		}
	}
	if err := req.Client.End(); err != nil {
		r.log().Error("response failed", "path", path, "err", err)
	}
}

// matchPattern reports whether a routing pattern matches a request
// path, capturing {name} placeholder values. Both sides are split
// into path and query parts on '?' and must agree on having a query.
func matchPattern(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(pattern, "?")
	pathParts := strings.Split(path, "?")
	if len(patternParts) != len(pathParts) || len(patternParts) > 2 {
		return nil, false
	}
	matches := make(map[string]string)
	if !segmentsMatch(patternParts[0], pathParts[0], matches) {
		return nil, false
	}
	if len(patternParts) == 2 && !queryMatch(patternParts[1], pathParts[1], matches) {
		return nil, false
	}
	return matches, true
}

// placeholder extracts the key from a {name} segment.
func placeholder(s string) (string, bool) {
	if len(s) >= 2 && s[0] == '{' && s[len(s)-1] == '}' {
		return s[1 : len(s)-1], true
	}
	return "", false
}

func segmentsMatch(pattern, path string, matches map[string]string) bool {
	want := strings.Split(pattern, "/")
	got := strings.Split(path, "/")
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] == got[i] {
			continue
		}
		key, ok := placeholder(want[i])
		if !ok {
			return false
		}
		matches[key] = got[i]
	}
	return true
}

func queryMatch(pattern, query string, matches map[string]string) bool {
	want := strings.Split(pattern, "&")
	got := strings.Split(query, "&")
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] == got[i] {
			continue
		}
		wantKV := strings.Split(want[i], "=")
		gotKV := strings.Split(got[i], "=")
		if len(wantKV) != 2 || len(gotKV) != 2 || wantKV[0] != gotKV[0] {
			return false
		}
		key, ok := placeholder(wantKV[1])
		if !ok {
			return false
		}
		matches[key] = gotKV[1]
	}
	return true
}

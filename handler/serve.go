package handler

import (
	"embed"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

//go:embed assets/index.html assets/index.js
var assets embed.FS

var staticContentModTime = time.Now()

func staticHandler(name string) http.Handler {
	content, err := assets.ReadFile("assets/" + name)
	if err != nil {
		panic(err)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.ServeContent(w, req, name, staticContentModTime, strings.NewReader(string(content)))
	})
}

var (
	// IndexHandler serves a minimal empty document that runs main.wasm.
	IndexHandler = exactPath("/", staticHandler("index.html"))

	// RunHandler provides a wrapper script that eases integrating wasm_exec.js
	// and a compiled wasm endpoint.
	RunHandler = staticHandler("index.js")
)

// exactPath serves h for path only, 404ing everything else a subtree
// pattern would route to it.
func exactPath(path string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != path {
			http.NotFound(w, req)
			return
		}
		h.ServeHTTP(w, req)
	})
}

type serveFile string

func (sf serveFile) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	http.ServeFile(w, req, string(sf))
}

// ExecHandler serves the Go runtime's wasm_exec.js.
func (wh *WASMHandler) ExecHandler() http.Handler {
	return serveFile(wh.WASMExec())
}

// IndexHandler returns an http.Handler either backed by the package's
// directory if it contains an index.html file, or a default one otherwise.
func (wh *WASMHandler) IndexHandler() http.Handler {
	pkgDir := wh.PackageDir()
	if _, err := os.Stat(filepath.Join(pkgDir, "index.html")); err == nil {
		return http.FileServer(http.Dir(pkgDir))
	}
	return IndexHandler
}

// BuildInfoHandler serves the same json as "main.wasm?build".
func (wh *WASMHandler) BuildInfoHandler() http.Handler {
	return http.HandlerFunc(wh.serveJSON)
}

// Mount mounts the IndexHandler() at /, the RunHandler at /index.js, the
// ExecHandler() at /wasm_exec.js, the BuildInfoHandler() at /build.json, and
// finally the WASMHandler itself at /main.wasm.
func (wh *WASMHandler) Mount(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimRight(prefix, "/")
	mux.Handle(prefix+"/", http.StripPrefix(prefix, wh.IndexHandler()))
	mux.Handle(prefix+"/index.js", RunHandler)
	mux.Handle(prefix+"/wasm_exec.js", wh.ExecHandler())
	mux.Handle(prefix+"/build.json", wh.BuildInfoHandler())
	mux.Handle(prefix+"/main.wasm", wh)
}

// Handle mounts a new WASMHandler at the given prefix onto the
// http.DefaultServeMux. The caller should defer a call WASMHandler.Close() to
// ensure temporary file deletion.
func Handle(prefix, srcDir, path string, opts ...Option) (*WASMHandler, error) {
	wh, err := NewWASMHandler(srcDir, path, opts...)
	if err == nil {
		wh.Mount(prefix, http.DefaultServeMux)
	}
	return wh, err
}

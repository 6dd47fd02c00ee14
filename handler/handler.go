// Package handler implements a dynamic wasm building http.Handler that hosts
// the greeting page.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/build"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mbridgwater/webserver/internal/metrics"
)

// ErrNoPackage is returned when no main package path is given.
var ErrNoPackage = errors.New("no package path set")

// BuildIDHeader carries the id of the build a served binary came from.
const BuildIDHeader = "X-Build-Id"

// Build describes one invocation of a Builder.
type Build struct {
	ImportPath string
	Dir        string
	Env        []string

	// Stdout receives the wasm binary, Stderr the build log.
	Stdout io.Writer
	Stderr io.Writer
}

// Builder compiles a main package to wasm.
type Builder func(ctx context.Context, b Build) error

// GoBuild runs "go build" with the target env, writing the binary to
// b.Stdout.
func GoBuild(ctx context.Context, b Build) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-o", "/dev/stdout", b.ImportPath)
	cmd.Env = b.Env
	cmd.Dir = b.Dir
	cmd.Stdout = b.Stdout
	cmd.Stderr = b.Stderr
	return cmd.Run()
}

// WASMHandler implements an http.Handler that serves a dynamically built wasm
// binary from a Go "main" package.
//
// The target package must be a normal main package with a func main() entry
// point and a js build constraint; see the hello package.
type WASMHandler struct {
	mu sync.RWMutex

	srcDir string
	ctxt   build.Context
	path   string
	env    map[string]string

	builder Builder
	group   singleflight.Group
	log     zerolog.Logger
	metrics *metrics.Metrics

	pkg      map[entry]*build.Package
	pkgTime  map[entry]time.Time
	wasmExec string // class Go implemented by $GOROOT/lib/wasm/wasm_exec.js

	wasm     *os.File
	wasmOk   bool
	wasmSize int64
	wasmTime time.Time
	wasmID   string
	wasmLog  bytes.Buffer
}

type entry struct {
	srcDir, path string
}

// Option customizes a WASMHandler.
type Option func(*WASMHandler)

// WithLogger sets the build logger.
func WithLogger(log zerolog.Logger) Option {
	return func(wh *WASMHandler) { wh.log = log }
}

// WithEnv sets the environment handed to the wasm program through build.json.
func WithEnv(env map[string]string) Option {
	return func(wh *WASMHandler) {
		wh.env = make(map[string]string, len(env))
		for k, v := range env {
			wh.env[k] = v
		}
	}
}

// WithBuilder replaces GoBuild.
func WithBuilder(b Builder) Option {
	return func(wh *WASMHandler) { wh.builder = b }
}

// WithMetrics records builds in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(wh *WASMHandler) { wh.metrics = m }
}

// NewWASMHandler creates a WASMHandler for a given package path and source
// directory.
func NewWASMHandler(srcDir, path string, opts ...Option) (*WASMHandler, error) {
	wh := &WASMHandler{
		srcDir:  srcDir,
		ctxt:    build.Default,
		path:    path,
		env:     map[string]string{},
		builder: GoBuild,
		log:     zerolog.Nop(),
		pkg:     make(map[entry]*build.Package),
		pkgTime: make(map[entry]time.Time),
	}
	wh.ctxt.GOARCH = "wasm"
	wh.ctxt.GOOS = "js"
	wh.ctxt.CgoEnabled = false
	wh.wasmExec = findWASMExec(wh.ctxt.GOROOT)
	for _, opt := range opts {
		opt(wh)
	}
	if err := wh.refreshPackage(); err != nil {
		return nil, err
	}
	return wh, nil
}

// findWASMExec prefers lib/wasm, where Go 1.24 moved the support files.
func findWASMExec(goroot string) string {
	for _, dir := range []string{"lib", "misc"} {
		path := filepath.Join(goroot, dir, "wasm", "wasm_exec.js")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(goroot, "lib", "wasm", "wasm_exec.js")
}

// WASMExec returns the path to the runtime wasm_exec.js stub.
func (wh *WASMHandler) WASMExec() string {
	wh.mu.RLock()
	defer wh.mu.RUnlock()
	return wh.wasmExec
}

// PackageDir returns the directory path to the main package being built as a
// wasm binary.
func (wh *WASMHandler) PackageDir() string {
	wh.mu.RLock()
	defer wh.mu.RUnlock()
	return wh.packageDir()
}

func (wh *WASMHandler) packageDir() string {
	return wh.pkg[entry{wh.srcDir, wh.path}].Dir
}

// BuildID returns the id of the last successful build, or "".
func (wh *WASMHandler) BuildID() string {
	wh.mu.RLock()
	defer wh.mu.RUnlock()
	if !wh.wasmOk {
		return ""
	}
	return wh.wasmID
}

func (wh *WASMHandler) String() string {
	return fmt.Sprintf("WASMHandler(%s)", wh.path)
}

// Close removes any temporary built wasm binary.
func (wh *WASMHandler) Close() error {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	return wh.removeWasm()
}

// ServeHTTP dispatches the request dynamically.
//
// It serves a text build log if the "log" form value is set.
//
// It serves a json build config if the "build" form value is set.
//
// It builds a wasm binary if none has been built before, if the package
// sources changed, or if the "force" form value is set.
//
// It serves the built wasm binary, or redirects to the build log if the build fails.
//
// A malformed query is rejected with 400 before anything is built.
func (wh *WASMHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, logSet := req.Form["log"]; logSet {
		wh.serveLog(w, req)
		return
	}
	if _, buildSet := req.Form["build"]; buildSet {
		wh.serveJSON(w, req)
		return
	}
	wh.serveWASM(w, req)
}

func (wh *WASMHandler) serveWASM(w http.ResponseWriter, req *http.Request) {
	_, forceSet := req.Form["force"]
	if err := wh.ensureBuilt(context.WithoutCancel(req.Context()), forceSet); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	wh.mu.RLock()
	defer wh.mu.RUnlock()

	if !wh.wasmOk {
		http.Redirect(w, req, req.URL.Path+"?log", http.StatusSeeOther)
		return
	}

	w.Header().Set("Content-Type", "application/wasm")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set(BuildIDHeader, wh.wasmID)
	http.ServeContent(w, req, "main.wasm", wh.wasmTime, io.NewSectionReader(wh.wasm, 0, wh.wasmSize))
}

// ensureBuilt rebuilds if needed; concurrent callers share one build.
func (wh *WASMHandler) ensureBuilt(ctx context.Context, force bool) error {
	_, err, _ := wh.group.Do("build", func() (interface{}, error) {
		wh.mu.Lock()
		defer wh.mu.Unlock()

		doBuild := force
		if !doBuild {
			need, err := wh.buildNeeded()
			if err != nil {
				return nil, err
			}
			doBuild = need
		}
		if !doBuild {
			return nil, nil
		}
		if err := wh.build(ctx); err != nil {
			return nil, fmt.Errorf("failed to build wasm: %w", err)
		}
		return nil, nil
	})
	return err
}

type builtContext struct {
	GOARCH        string
	GOOS          string
	GOROOT        string
	GOPATH        string
	CgoEnabled    bool
	UseAllFiles   bool
	Compiler      string
	BuildTags     []string
	ReleaseTags   []string
	InstallSuffix string
}

// BuildInfo is the json document served for "?build".
type BuildInfo struct {
	Context builtContext
	Package *build.Package
	Env     map[string]string
	BuildID string `json:",omitempty"`
}

func (wh *WASMHandler) serveJSON(w http.ResponseWriter, req *http.Request) {
	wh.mu.RLock()
	defer wh.mu.RUnlock()

	info := BuildInfo{
		Context: builtContext{
			wh.ctxt.GOARCH,
			wh.ctxt.GOOS,
			wh.ctxt.GOROOT,
			wh.ctxt.GOPATH,
			wh.ctxt.CgoEnabled,
			wh.ctxt.UseAllFiles,
			wh.ctxt.Compiler,
			wh.ctxt.BuildTags,
			wh.ctxt.ReleaseTags,
			wh.ctxt.InstallSuffix,
		},
		Package: wh.pkg[entry{wh.srcDir, wh.path}],
		Env:     wh.env,
	}
	if wh.wasmOk {
		info.BuildID = wh.wasmID
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(info); err != nil {
		http.Error(w, fmt.Sprintf("Failed to marshal json: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(buf.Bytes())
}

func (wh *WASMHandler) serveLog(w http.ResponseWriter, req *http.Request) {
	wh.mu.RLock()
	defer wh.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeContent(w, req, "build.log", wh.wasmTime, bytes.NewReader(wh.wasmLog.Bytes()))
}

// build must be called with mu held.
func (wh *WASMHandler) build(ctx context.Context) error {
	if err := wh.refreshPackage(); err != nil {
		return err
	}
	if wh.wasm != nil {
		if err := wh.resetWasm(); err != nil {
			wh.removeWasm()
		}
	}
	if wh.wasm == nil {
		if err := wh.openWasm(); err != nil {
			return fmt.Errorf("unable to create temporary file: %w", err)
		}
	}

	id := uuid.NewString()
	importPath := wh.pkg[entry{wh.srcDir, wh.path}].ImportPath

	t0 := time.Now()
	wh.wasmTime = time.Time{}
	wh.wasmOk = false
	wh.wasmSize = 0
	wh.wasmLog.Reset()
	wh.wasmLog.Grow(64 * 1024)
	fmt.Fprintf(&wh.wasmLog, "Building %s (build %s)\n", importPath, id)

	err := wh.builder(ctx, Build{
		ImportPath: importPath,
		Dir:        wh.srcDir,
		Env:        wh.buildEnv(),
		Stdout:     wh.wasm,
		Stderr:     &wh.wasmLog,
	})

	took := time.Since(t0)
	fmt.Fprintf(&wh.wasmLog, "\nBuild Took %v\n", took)
	wh.metrics.RecordBuild(err == nil, took)

	if err != nil {
		fmt.Fprintf(&wh.wasmLog, "\n%v\n", err)
		wh.log.Warn().
			Err(err).
			Str("build_id", id).
			Str("import_path", importPath).
			Dur("duration", took).
			Msg("wasm build failed")
		// a failed build is reported through the log, not as a server error
		return nil
	}

	// the builder may reopen the file, so its offset says nothing about size
	info, err := wh.wasm.Stat()
	if err != nil {
		wh.removeWasm()
		return fmt.Errorf("build output stat failed: %w", err)
	}
	size := info.Size()

	wh.wasmSize = size
	wh.wasmTime = time.Now()
	wh.wasmID = id
	wh.wasmOk = true
	wh.log.Info().
		Str("build_id", id).
		Str("import_path", importPath).
		Int64("size", size).
		Dur("duration", took).
		Msg("wasm built")
	return nil
}

func (wh *WASMHandler) buildNeeded() (bool, error) {
	if wh.wasm == nil || !wh.wasmOk {
		return true, nil
	}
	mt, err := wh.pkgModTime()
	if err != nil {
		err = wh.refreshPackage()
		if err == nil {
			mt, err = wh.pkgModTime()
		}
		if err != nil {
			return false, fmt.Errorf("failed to get build package mod time: %w", err)
		}
	}
	return mt.After(wh.wasmTime), nil
}

func (wh *WASMHandler) pkgModTime() (time.Time, error) {
	var mtc modTimeChecker
	ent := entry{wh.srcDir, wh.path}
	pkg := wh.pkg[ent]
	mtc.offer(wh.pkgTime[ent])
	mtc.check(pkg.Dir)
	for _, name := range pkg.GoFiles {
		mtc.check(filepath.Join(pkg.Dir, name))
	}
	return mtc.t, mtc.err
}

func (wh *WASMHandler) buildEnv() []string {
	osEnv := os.Environ()
	env := make([]string, 0, len(osEnv)+5)
	for _, s := range osEnv {
		// skip env keys that contain escape sequences
		if !strings.ContainsRune(s, 0x1b) {
			env = append(env, s)
		}
	}
	for _, pair := range [][2]string{
		{"GOARCH", wh.ctxt.GOARCH},
		{"GOOS", wh.ctxt.GOOS},
		{"GOROOT", wh.ctxt.GOROOT},
		{"GOPATH", wh.ctxt.GOPATH},
		{"CGO_ENABLED", "0"},
	} {
		if pair[1] != "" {
			env = append(env, fmt.Sprintf("%s=%s", pair[0], pair[1]))
		}
	}
	return env
}

// EnvList returns the wasm program's environment as sorted KEY=value pairs.
func (wh *WASMHandler) EnvList() []string {
	wh.mu.RLock()
	defer wh.mu.RUnlock()
	list := make([]string, 0, len(wh.env))
	for k, v := range wh.env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func (wh *WASMHandler) refreshPackage() error {
	if wh.path == "" {
		return ErrNoPackage
	}
	ent := entry{wh.srcDir, wh.path}
	pkg, err := wh.ctxt.Import(ent.path, ent.srcDir, 0)
	if err != nil {
		return fmt.Errorf("failed to import %q: %w", wh.path, err)
	}
	if pkg.Name != "main" {
		return fmt.Errorf("package %q is %q, not a main package", wh.path, pkg.Name)
	}
	wh.pkg[ent] = pkg
	wh.pkgTime[ent] = time.Now()
	return nil
}

func (wh *WASMHandler) openWasm() error {
	wh.removeWasm()
	f, err := os.CreateTemp("", "main.*.wasm")
	if err != nil {
		return err
	}
	wh.wasm = f
	return nil
}

func (wh *WASMHandler) resetWasm() error {
	if err := wh.wasm.Truncate(0); err != nil {
		return err
	}
	_, err := wh.wasm.Seek(0, io.SeekStart)
	return err
}

func (wh *WASMHandler) removeWasm() error {
	if wh.wasm == nil {
		return nil
	}
	err := os.Remove(wh.wasm.Name())
	if cerr := wh.wasm.Close(); err == nil {
		err = cerr
	}
	wh.wasm = nil
	wh.wasmOk = false
	return err
}

type modTimeChecker struct {
	t   time.Time
	err error
}

func (mtc *modTimeChecker) offer(t time.Time) {
	if mtc.t.IsZero() || t.After(mtc.t) {
		mtc.t = t
	}
}

func (mtc *modTimeChecker) check(paths ...string) {
	for _, path := range paths {
		if mtc.err != nil {
			return
		}
		info, err := os.Stat(path)
		if err != nil {
			mtc.err = err
			return
		}
		mtc.offer(info.ModTime())
	}
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbridgwater/webserver/internal/metrics"
)

var fakeWasm = []byte("\x00asm\x01\x00\x00\x00hello")

const mainSource = `//go:build js && wasm

package main

func main() {}
`

func writePackage(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

type fakeBuilder struct {
	calls  atomic.Int32
	fail   atomic.Bool
	output []byte

	mu   sync.Mutex
	last Build
}

func (fb *fakeBuilder) build(ctx context.Context, b Build) error {
	fb.calls.Add(1)
	fb.mu.Lock()
	fb.last = b
	fb.mu.Unlock()
	if fb.fail.Load() {
		fmt.Fprintln(b.Stderr, "main.go:3:1: syntax error")
		return errors.New("exit status 1")
	}
	_, err := b.Stdout.Write(fb.output)
	return err
}

func newTestHandler(t *testing.T, fb *fakeBuilder, opts ...Option) *WASMHandler {
	t.Helper()
	dir := writePackage(t, map[string]string{"main.go": mainSource})
	opts = append([]Option{WithBuilder(fb.build)}, opts...)
	wh, err := NewWASMHandler(dir, ".", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })
	return wh
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestNewWASMHandler(t *testing.T) {
	t.Parallel()

	wh := newTestHandler(t, &fakeBuilder{})
	assert.DirExists(t, wh.PackageDir())
	assert.Equal(t, "wasm_exec.js", filepath.Base(wh.WASMExec()))
	assert.Empty(t, wh.BuildID())
	assert.Equal(t, "WASMHandler(.)", wh.String())
}

func TestNewWASMHandler_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewWASMHandler(t.TempDir(), "")
	assert.ErrorIs(t, err, ErrNoPackage)

	_, err = NewWASMHandler(t.TempDir(), ".")
	assert.Error(t, err, "empty directory")

	lib := writePackage(t, map[string]string{"lib.go": "package lib\n"})
	_, err = NewWASMHandler(lib, ".")
	assert.ErrorContains(t, err, "not a main package")
}

func TestServeWASM(t *testing.T) {
	t.Parallel()

	fb := &fakeBuilder{output: fakeWasm}
	wh := newTestHandler(t, fb)

	rr := get(wh, "/main.wasm")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/wasm", rr.Header().Get("Content-Type"))
	assert.Equal(t, fakeWasm, rr.Body.Bytes())

	id := rr.Header().Get(BuildIDHeader)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, wh.BuildID())
	assert.EqualValues(t, 1, fb.calls.Load())

	fb.mu.Lock()
	last := fb.last
	fb.mu.Unlock()
	assert.Equal(t, ".", last.ImportPath)
	assert.Equal(t, wh.srcDir, last.Dir)
	assert.Contains(t, last.Env, "GOOS=js")
	assert.Contains(t, last.Env, "GOARCH=wasm")
	assert.Contains(t, last.Env, "CGO_ENABLED=0")

	rr = get(wh, "/main.wasm")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, fakeWasm, rr.Body.Bytes())
	assert.Equal(t, id, rr.Header().Get(BuildIDHeader))
	assert.EqualValues(t, 1, fb.calls.Load(), "rebuilt without changes")
}

func TestServeWASM_Force(t *testing.T) {
	t.Parallel()

	fb := &fakeBuilder{output: fakeWasm}
	wh := newTestHandler(t, fb)

	first := get(wh, "/main.wasm").Header().Get(BuildIDHeader)

	fb.output = []byte("\x00asm")
	rr := get(wh, "/main.wasm?force")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, fb.calls.Load())
	assert.NotEqual(t, first, rr.Header().Get(BuildIDHeader))
	assert.Equal(t, []byte("\x00asm"), rr.Body.Bytes(), "stale bytes after shorter rebuild")
}

func TestServeWASM_RebuildsOnChange(t *testing.T) {
	t.Parallel()

	fb := &fakeBuilder{output: fakeWasm}
	wh := newTestHandler(t, fb)

	require.Equal(t, http.StatusOK, get(wh, "/main.wasm").Code)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(wh.PackageDir(), "main.go"), later, later))

	require.Equal(t, http.StatusOK, get(wh, "/main.wasm").Code)
	assert.EqualValues(t, 2, fb.calls.Load())
}

func TestServeWASM_BuildFailure(t *testing.T) {
	t.Parallel()

	fb := &fakeBuilder{output: fakeWasm}
	fb.fail.Store(true)
	wh := newTestHandler(t, fb)

	rr := get(wh, "/main.wasm")
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/main.wasm?log", rr.Header().Get("Location"))
	assert.Empty(t, wh.BuildID())

	rr = get(wh, "/main.wasm?log")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rr.Body.String(), "Building .")
	assert.Contains(t, rr.Body.String(), "syntax error")
	assert.Contains(t, rr.Body.String(), "exit status 1")
	assert.Contains(t, rr.Body.String(), "Build Took")

	// failed builds are retried on the next request
	fb.fail.Store(false)
	rr = get(wh, "/main.wasm")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, fb.calls.Load())
}

func TestServeWASM_SharedBuild(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	builder := func(ctx context.Context, b Build) error {
		calls.Add(1)
		<-release
		_, err := b.Stdout.Write(fakeWasm)
		return err
	}
	dir := writePackage(t, map[string]string{"main.go": mainSource})
	wh, err := NewWASMHandler(dir, ".", WithBuilder(builder))
	require.NoError(t, err)
	defer wh.Close()

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = get(wh, "/main.wasm").Code
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
}

func TestServeJSON(t *testing.T) {
	t.Parallel()

	fb := &fakeBuilder{output: fakeWasm}
	wh := newTestHandler(t, fb, WithEnv(map[string]string{"WEBSERVER_LOG_LEVEL": "debug"}))

	for _, h := range []http.Handler{wh, wh.BuildInfoHandler()} {
		rr := get(h, "/main.wasm?build")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var info struct {
			Context struct{ GOOS, GOARCH string }
			Package struct{ Name, ImportPath string }
			Env     map[string]string
			BuildID string
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
		assert.Equal(t, "js", info.Context.GOOS)
		assert.Equal(t, "wasm", info.Context.GOARCH)
		assert.Equal(t, "main", info.Package.Name)
		assert.Equal(t, map[string]string{"WEBSERVER_LOG_LEVEL": "debug"}, info.Env)
		assert.Empty(t, info.BuildID)
	}

	get(wh, "/main.wasm")
	rr := get(wh.BuildInfoHandler(), "/build.json")
	assert.Contains(t, rr.Body.String(), wh.BuildID())
	assert.Equal(t, []string{"WEBSERVER_LOG_LEVEL=debug"}, wh.EnvList())
}

func TestMount(t *testing.T) {
	t.Parallel()

	fb := &fakeBuilder{output: fakeWasm}
	wh := newTestHandler(t, fb)
	execJS := filepath.Join(t.TempDir(), "wasm_exec.js")
	require.NoError(t, os.WriteFile(execJS, []byte("class Go {}"), 0o644))
	wh.wasmExec = execJS

	for _, prefix := range []string{"", "/app"} {
		mux := http.NewServeMux()
		wh.Mount(prefix, mux)

		rr := get(mux, prefix+"/")
		require.Equal(t, http.StatusOK, rr.Code, prefix)
		assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rr.Body.String(), `<script src="wasm_exec.js"></script>`)
		assert.Contains(t, rr.Body.String(), `<script src="index.js"></script>`)
		assert.Contains(t, rr.Body.String(), "<body>\n</body>")

		assert.Equal(t, http.StatusNotFound, get(mux, prefix+"/nope").Code, prefix)

		rr = get(mux, prefix+"/index.js")
		require.Equal(t, http.StatusOK, rr.Code, prefix)
		assert.Contains(t, rr.Body.String(), "new Go()")

		rr = get(mux, prefix+"/wasm_exec.js")
		require.Equal(t, http.StatusOK, rr.Code, prefix)
		assert.Equal(t, "class Go {}", rr.Body.String())
		assert.Contains(t, rr.Header().Get("Content-Type"), "javascript")

		assert.Equal(t, http.StatusOK, get(mux, prefix+"/build.json").Code, prefix)

		rr = get(mux, prefix+"/main.wasm")
		require.Equal(t, http.StatusOK, rr.Code, prefix)
		assert.Equal(t, fakeWasm, rr.Body.Bytes())
	}
}

func TestIndexHandler_PackageIndex(t *testing.T) {
	t.Parallel()

	dir := writePackage(t, map[string]string{
		"main.go":    mainSource,
		"index.html": "<!doctype html><title>custom</title>",
	})
	wh, err := NewWASMHandler(dir, ".", WithBuilder((&fakeBuilder{}).build))
	require.NoError(t, err)
	defer wh.Close()

	mux := http.NewServeMux()
	wh.Mount("", mux)
	rr := get(mux, "/")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "<title>custom</title>")
}

func TestBuildLoggingAndMetrics(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	fb := &fakeBuilder{output: fakeWasm}
	wh := newTestHandler(t, fb, WithLogger(zerolog.New(&buf)), WithMetrics(m))

	get(wh, "/main.wasm")
	fb.fail.Store(true)
	get(wh, "/main.wasm?force")

	out := buf.String()
	assert.Contains(t, out, `"message":"wasm built"`)
	assert.Contains(t, out, `"message":"wasm build failed"`)
	assert.Contains(t, out, `"build_id"`)

	n, err := testutil.GatherAndCount(reg, "webserver_wasm_builds_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClose(t *testing.T) {
	t.Parallel()

	fb := &fakeBuilder{output: fakeWasm}
	dir := writePackage(t, map[string]string{"main.go": mainSource})
	wh, err := NewWASMHandler(dir, ".", WithBuilder(fb.build))
	require.NoError(t, err)

	get(wh, "/main.wasm")
	name := wh.wasm.Name()
	assert.FileExists(t, name)

	require.NoError(t, wh.Close())
	_, err = os.Stat(name)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, wh.BuildID())
	require.NoError(t, wh.Close())

	body, err := io.ReadAll(get(wh, "/main.wasm").Body)
	require.NoError(t, err)
	assert.Equal(t, fakeWasm, body, "rebuilds after Close")
	wh.Close()
}

func TestServeHTTP_MalformedQuery(t *testing.T) {
	t.Parallel()

	fb := &fakeBuilder{output: fakeWasm}
	wh := newTestHandler(t, fb)

	for _, target := range []string{"/main.wasm?force=%zz", "/main.wasm?log;x", "/build.json?a=%"} {
		rr := get(wh, target)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
	assert.EqualValues(t, 0, fb.calls.Load())
}

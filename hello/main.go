//go:build js && wasm

// Command hello greets the world on the page that loads it: once the document
// has been parsed it appends <p>Hello, World!</p> to the body and logs the same
// line to the browser console.
package main

import (
	"os"

	"github.com/mbridgwater/webserver/dom"
	"github.com/mbridgwater/webserver/internal/logging"
)

func main() {
	cfg := logging.DefaultConfig()
	cfg.Out = os.Stderr // wasm_exec.js forwards it to the console
	cfg.NoColor = true
	logging.ApplyEnv(&cfg, os.LookupEnv)
	logger := logging.New("hello", cfg)

	doc, console := dom.JS()
	w := dom.NewWriter(doc, console, dom.WithLogger(logger))
	w.Register()
	<-w.Done() // hang around until the document is ready
}

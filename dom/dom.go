// Package dom writes the greeting into a host document once its structure has
// been parsed.
//
// The host is reached through the small Document, Element and Console
// interfaces. Under GOOS=js they are backed by syscall/js (see JS); tests use
// the in-memory fake from package domtest.
package dom

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/mbridgwater/webserver/greet"
)

// ContentLoaded is the event dispatched once the document's markup has been
// parsed, before subordinate resources finish loading.
const ContentLoaded = "DOMContentLoaded"

// ReadyLoading is the document.readyState value while markup is still being
// parsed; any other state means ContentLoaded has already been dispatched.
const ReadyLoading = "loading"

// Element is the part of a DOM element the writer touches.
type Element interface {
	SetTextContent(text string)
	AppendChild(child Element)
}

// Document is the part of a DOM document the writer touches.
type Document interface {
	ReadyState() string
	CreateElement(tag string) Element
	Body() Element

	// OnceEvent subscribes fn to the named document event as a one-shot
	// listener.
	OnceEvent(name string, fn func())
}

// Console is the diagnostic output channel.
type Console interface {
	Log(msg string)
}

// Writer appends the greeting paragraph to a document's body once, when the
// document is ready.
type Writer struct {
	doc     Document
	console Console
	log     zerolog.Logger

	once sync.Once
	done chan struct{}
	p    Element
}

// Option customizes a Writer.
type Option func(*Writer)

// WithLogger sets the logger used for lifecycle events. The greeting itself
// is never written here; it goes to the Console.
func WithLogger(log zerolog.Logger) Option {
	return func(w *Writer) { w.log = log }
}

// NewWriter creates a Writer for the given host document and console.
func NewWriter(doc Document, console Console, opts ...Option) *Writer {
	w := &Writer{
		doc:     doc,
		console: console,
		log:     zerolog.Nop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register arranges for the greeting to be written when the document's
// structure has been parsed. A wasm module usually starts after that has
// already happened, in which case the greeting is written immediately.
//
// The greeting is written at most once no matter how often Register is
// called or the event fires.
func (w *Writer) Register() {
	state := w.doc.ReadyState()
	if state == ReadyLoading {
		w.log.Debug().Str("event", ContentLoaded).Msg("waiting for document")
		w.doc.OnceEvent(ContentLoaded, w.contentLoaded)
		return
	}
	w.log.Debug().Str("ready_state", state).Msg("document already parsed")
	w.contentLoaded()
}

// Done is closed once the greeting has been written.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Paragraph returns the appended element, or nil before Done is closed.
func (w *Writer) Paragraph() Element {
	select {
	case <-w.done:
		return w.p
	default:
		return nil
	}
}

func (w *Writer) contentLoaded() {
	w.once.Do(func() {
		w.p = Write(w.doc, w.console)
		w.log.Debug().Msg("greeting written")
		close(w.done)
	})
}

// Write creates a <p> holding the greeting for greet.World, appends it to
// doc's body, and logs the same text to console. Host failures, such as a
// missing body, are not recovered.
func Write(doc Document, console Console) Element {
	text := greet.Greet(greet.World)
	p := doc.CreateElement("p")
	p.SetTextContent(text)
	doc.Body().AppendChild(p)
	console.Log(text)
	return p
}

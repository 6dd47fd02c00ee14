// Package domtest provides an in-memory dom.Document and dom.Console.
package domtest

import (
	"strings"

	"github.com/mbridgwater/webserver/dom"
)

// Element is an in-memory element.
type Element struct {
	Tag      string
	Text     string
	Children []*Element
}

var _ dom.Element = (*Element)(nil)

// SetTextContent replaces the element's text.
func (el *Element) SetTextContent(text string) { el.Text = text }

// AppendChild appends child, which must be an *Element. A nil receiver
// panics, like appending to a missing body does in a browser.
func (el *Element) AppendChild(child dom.Element) {
	if el == nil {
		panic("domtest: appendChild on null element")
	}
	el.Children = append(el.Children, child.(*Element))
}

// LastChild returns the last child element, or nil.
func (el *Element) LastChild() *Element {
	if len(el.Children) == 0 {
		return nil
	}
	return el.Children[len(el.Children)-1]
}

type listener struct {
	fn   func()
	once bool
}

// Document is an in-memory document. A new Document is "loading" with an
// empty body; Parsed moves it to "interactive" and dispatches
// DOMContentLoaded like a browser does.
type Document struct {
	State string
	// NoBody makes Body return a nil element.
	NoBody bool

	body      *Element
	listeners map[string][]listener
	created   int
}

var _ dom.Document = (*Document)(nil)

// NewDocument returns a loading document with an empty body.
func NewDocument() *Document {
	return &Document{
		State:     dom.ReadyLoading,
		body:      &Element{Tag: "body"},
		listeners: make(map[string][]listener),
	}
}

// ReadyState returns State.
func (d *Document) ReadyState() string { return d.State }

// CreateElement returns a new detached element.
func (d *Document) CreateElement(tag string) dom.Element {
	d.created++
	return &Element{Tag: strings.ToLower(tag)}
}

// Body returns the body element.
func (d *Document) Body() dom.Element {
	if d.NoBody {
		return (*Element)(nil)
	}
	return d.body
}

// BodyElement returns the body for inspection.
func (d *Document) BodyElement() *Element { return d.body }

// Created counts CreateElement calls.
func (d *Document) Created() int { return d.created }

// OnceEvent adds a one-shot listener for name.
func (d *Document) OnceEvent(name string, fn func()) {
	d.listeners[name] = append(d.listeners[name], listener{fn: fn, once: true})
}

// AddEventListener adds a persistent listener for name.
func (d *Document) AddEventListener(name string, fn func()) {
	d.listeners[name] = append(d.listeners[name], listener{fn: fn})
}

// Listeners counts the listeners currently registered for name.
func (d *Document) Listeners(name string) int { return len(d.listeners[name]) }

// Dispatch fires name; one-shot listeners are removed before being called.
func (d *Document) Dispatch(name string) {
	ls := d.listeners[name]
	var keep []listener
	for _, l := range ls {
		if !l.once {
			keep = append(keep, l)
		}
	}
	d.listeners[name] = keep
	for _, l := range ls {
		l.fn()
	}
}

// Parsed finishes parsing: readyState becomes "interactive" and
// DOMContentLoaded is dispatched.
func (d *Document) Parsed() {
	d.State = "interactive"
	d.Dispatch(dom.ContentLoaded)
}

// Loaded finishes loading subordinate resources.
func (d *Document) Loaded() {
	if d.State == dom.ReadyLoading {
		d.Parsed()
	}
	d.State = "complete"
	d.Dispatch("load")
}

// Console records logged lines.
type Console struct {
	Lines []string
}

var _ dom.Console = (*Console)(nil)

// Log records msg.
func (c *Console) Log(msg string) { c.Lines = append(c.Lines, msg) }

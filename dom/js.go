//go:build js && wasm

package dom

import "syscall/js"

// JS returns the browser's global document and console.
func JS() (Document, Console) {
	global := js.Global()
	return jsDocument{global.Get("document")}, jsConsole{global.Get("console")}
}

type jsDocument struct{ v js.Value }

func (d jsDocument) ReadyState() string { return d.v.Get("readyState").String() }

func (d jsDocument) CreateElement(tag string) Element {
	return jsElement{d.v.Call("createElement", tag)}
}

// Body does not check for a null body; AppendChild on it panics with the
// host's js.Error.
func (d jsDocument) Body() Element { return jsElement{d.v.Get("body")} }

func (d jsDocument) OnceEvent(name string, fn func()) {
	var cb js.Func
	cb = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		defer cb.Release()
		fn()
		return nil
	})
	d.v.Call("addEventListener", name, cb, map[string]interface{}{"once": true})
}

type jsElement struct{ v js.Value }

func (el jsElement) SetTextContent(text string) { el.v.Set("textContent", text) }

func (el jsElement) AppendChild(child Element) {
	el.v.Call("appendChild", child.(jsElement).v)
}

type jsConsole struct{ v js.Value }

func (c jsConsole) Log(msg string) { c.v.Call("log", msg) }

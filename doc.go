/*
Command webserver runs an http server that hosts the hello page: a minimal
empty document whose Go wasm program, once the document has been parsed,
appends

	<p>Hello, World!</p>

to the body and logs "Hello, World!" to the browser console.

The wasm binary is built on demand from the hello package (or any other js/wasm
main package given as the argument), and rebuilt whenever its sources change:

	webserver [-config webserver.toml] [-listen addr] [-prefix /path] [package]

It hosts /wasm_exec.js as shipped with $GOROOT to implement the core Go class
in the browser.

It hosts the wasm handler at /main.wasm; /main.wasm?log shows the last build
log, and a failed build redirects there.

It hosts the build information, including the environment passed to the wasm
program, at /build.json.

It hosts a static /index.html wrapper which combines these, or an
http.FileServer around the target package directory if it contains an
index.html.

The config file is TOML:

	listen = "localhost:8080"
	package = "./hello"
	prefix = ""
	metrics = true # serve prometheus metrics at /metrics

	[env] # environment of the wasm program
	WEBSERVER_LOG_LEVEL = "info" # "debug" adds lifecycle lines to the console

	[log]
	level = "info"
	timestamp = true
	no_color = false

The WEBSERVER_LOG_LEVEL, WEBSERVER_LOG_TIMESTAMP and WEBSERVER_LOG_NOCOLOR
environment variables override the [log] table.
*/
package main

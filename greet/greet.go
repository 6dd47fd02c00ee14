// Package greet formats the greeting shown on the hello page.
package greet

// World is the name the page greets.
const World = "World"

// Greet returns "Hello, <name>!". Any name is accepted, including "".
func Greet(name string) string {
	return "Hello, " + name + "!"
}

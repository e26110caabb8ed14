// Package tool defines the interface every execution backend implements,
// the YAML tool specs that bind a tool key to a backend, and the registry
// the engine resolves tools from.
package tool

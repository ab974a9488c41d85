// Package web holds the embedded browser UI.
package web

import "embed"

// Assets contains index.html and its static files.
//
//go:embed index.html static
var Assets embed.FS

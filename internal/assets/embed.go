// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package assets provides the embedded single-page application bundle.
// The bundle is built separately and committed as an opaque blob; the
// server serves it verbatim.
package assets

import (
	"embed"
)

//go:embed static/*
var staticFiles embed.FS

// IndexHTML returns the SPA shell page, served for every unknown route.
func IndexHTML() []byte {
	b, _ := staticFiles.ReadFile("static/index.html")
	return b
}

// IndexJS returns the SPA bundle, served at /index.js.
func IndexJS() []byte {
	b, _ := staticFiles.ReadFile("static/index.js")
	return b
}

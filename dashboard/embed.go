// Package dashboard provides the embedded status page for p1status.
//
// The page lists every device with its availability and rendered sensors
// and follows live updates from /api/sse. Embedding it keeps deployment to
// a single binary.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the status page.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Status page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS

package webassets

import "embed"

// FS contains embedded web assets from this directory.

//go:embed auth-client.js demo.html
var FS embed.FS

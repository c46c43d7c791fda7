// Package web embeds the static dashboard served by the web server.
package web

import "embed"

//go:embed index.html dashboard.js
var Assets embed.FS

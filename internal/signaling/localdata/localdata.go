// Package localdata embeds the static web page served by the local
// signaling server (see ../local.go), so the device binary carries its own
// offer/answer test page without depending on any external file layout.
package localdata

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var embedded embed.FS

// FS returns the http.FileSystem backing the local signaling server's
// static file handler. useLocal serves straight off disk, which is useful
// while iterating on the page without rebuilding the binary.
func FS(useLocal bool) http.FileSystem {
	if useLocal {
		return http.Dir("internal/signaling/localdata/static")
	}
	sub, err := fs.Sub(embedded, "static")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}

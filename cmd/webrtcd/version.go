package main

import "fmt"

// version/commit are set at build time via:
//   go build -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

func printVersion() {
	fmt.Printf("webrtcd %s (%s)\n", version, commit)
}

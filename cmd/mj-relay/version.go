package main

// Build identity, injected at link time:
//
//	go build -ldflags="-X main.commitHash=$(git rev-parse --short HEAD) -X main.buildTime=$(date -u +%Y%m%dT%H%M%SZ)" ./cmd/mj-relay
var (
	commitHash = "dev"
	buildTime  = "unknown"
)

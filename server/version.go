package server

// Version of the imgvault server.
// This variable can be overridden at build time using:
//
//	go build -ldflags "-X github.com/imgvault/imgvault/server.Version=v1.0.0"
var Version = "dev"

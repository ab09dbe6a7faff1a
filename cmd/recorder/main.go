package main

import (
	"os"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "chunk-recorder"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

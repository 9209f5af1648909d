package main

import (
	"os"

	"github.com/koan-os/koan/cmd/koan/cmds"
	"github.com/koan-os/koan/pkg/version"
)

// Build is the git revision of this binary
var Build string

func main() {
	if Build != "" {
		version.KoanVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"github.com/go-delve/rd/cmd/rd/cmds"
	"github.com/go-delve/rd/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.RdVersion.Build = Build
	}
	cmds.New(false).Execute()
}

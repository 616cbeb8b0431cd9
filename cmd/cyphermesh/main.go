// Package main is the single-binary entrypoint for CypherMesh.
package main

import "github.com/cyphermesh/cyphermesh/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}

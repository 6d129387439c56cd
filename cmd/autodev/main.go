// Package main provides the entry point for the autodev CLI.
package main

import (
	"os"

	"github.com/halverson/autodev/internal/cli"

	// Hosting providers register themselves with the forge factory.
	_ "github.com/halverson/autodev/internal/forge/github"
	_ "github.com/halverson/autodev/internal/forge/gitlab"
)

func main() {
	os.Exit(cli.Execute())
}

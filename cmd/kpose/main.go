// Package main is the entry point for the kpose command line tool.
package main

import (
	"os"

	"github.com/tsawler/kpose/cmd/kpose/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

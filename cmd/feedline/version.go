package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the feedline version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("feedline " + version)
	},
}

// Command mcpkit serves demo tools and calls methods on remote servers.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

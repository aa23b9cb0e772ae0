// Command ldbd drives the local-first relational engine from the shell:
// schema reconciliation, demo writes, bulk loads, export, and one-shot sync
// rounds against an app-supplied transport.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

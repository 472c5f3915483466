// Command hsbench writes a synthetic update history into a history store,
// times how fast it reads back and dumps stored entries.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

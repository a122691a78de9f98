//go:build !wasip1

package main

import (
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	var pc providerContext
	if err := json.NewDecoder(os.Stdin).Decode(&pc); err != nil {
		fmt.Fprintf(os.Stderr, "glusterfs: invalid provider context: %v\n", err)
		os.Exit(2)
	}

	resp := contribute(pc)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "glusterfs: %v\n", err)
		os.Exit(1)
	}
	if resp.Error != "" || resp.MissingKey != "" {
		os.Exit(1)
	}
}

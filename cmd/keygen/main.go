// Command keygen prints the hash of an operator key for server.api_keys.
// With no argument it generates a fresh key.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/tjfontaine/query-tracer/internal/auth"
)

func main() {
	if len(os.Args) > 2 {
		fmt.Println("Usage: go run ./cmd/keygen [operator-key]")
		fmt.Println("Prints the SHA-256 hash of the key for the dashboard's server.api_keys")
		os.Exit(1)
	}

	apiKey := ""
	if len(os.Args) == 2 {
		apiKey = os.Args[1]
	} else {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "qt_" + hex.EncodeToString(buf)
	}
	keyHash := auth.HashAPIKey(apiKey)

	fmt.Printf("Operator key: %s\n", apiKey)
	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("server:\n")
	fmt.Printf("  api_keys:\n")
	fmt.Printf("    - key_hash: \"%s\"\n", keyHash)
	fmt.Printf("      description: \"Generated key\"\n")
}

// Package id generates the opaque identifiers used for all persisted
// rows and wire-level tokens.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	length   = 48
)

// Generate returns a 48-character alphanumeric nanoid. The length
// makes ids usable as bearer secrets (relay tokens) as well as row
// keys.
func Generate() string {
	v, err := gonanoid.Generate(alphabet, length)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return v
}

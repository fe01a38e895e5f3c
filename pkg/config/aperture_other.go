//go:build !unix

package config

import (
	"fmt"

	"github.com/marmos91/librarian/pkg/shadow"
)

// apertureStub stands in for the mmap backend where it cannot be built.
type apertureStub struct{ shadow.FlatBackend }

func (apertureStub) Base() uint64 { return 0 }

func createApertureBackend(map[string]any) (apertureStub, error) {
	return apertureStub{}, fmt.Errorf("aperture shadow is not supported on this platform")
}

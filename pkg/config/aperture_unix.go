//go:build unix

package config

import (
	"fmt"
	"strconv"

	"github.com/marmos91/librarian/pkg/shadow"
	"github.com/mitchellh/mapstructure"
)

// createApertureBackend maps a shared memory aperture.
func createApertureBackend(options map[string]any) (*shadow.ApertureBackend, error) {
	type ApertureShadowConfig struct {
		Path string `mapstructure:"path"`
		Base string `mapstructure:"base"`
		Size string `mapstructure:"size"`
	}

	var backendCfg ApertureShadowConfig
	if err := mapstructure.Decode(options, &backendCfg); err != nil {
		return nil, fmt.Errorf("failed to decode aperture shadow config: %w", err)
	}
	if backendCfg.Path == "" {
		return nil, fmt.Errorf("aperture shadow: path is required")
	}

	var base uint64
	if backendCfg.Base != "" {
		var err error
		if base, err = strconv.ParseUint(backendCfg.Base, 0, 64); err != nil {
			return nil, fmt.Errorf("aperture shadow: base: %w", err)
		}
	}
	var size uint64
	if backendCfg.Size != "" {
		var err error
		if size, err = ParseSize(backendCfg.Size); err != nil {
			return nil, fmt.Errorf("aperture shadow: size: %w", err)
		}
	}

	a, err := shadow.NewApertureBackend(backendCfg.Path, base, int64(size))
	if err != nil {
		return nil, fmt.Errorf("failed to map aperture shadow: %w", err)
	}
	return a, nil
}

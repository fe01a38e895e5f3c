package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# Librarian Configuration File
#
# Settings can be overridden with LIBRARIAN_* environment variables,
# e.g. LIBRARIAN_LOGGING_LEVEL=DEBUG or LIBRARIAN_ENGINE_DEFAULT_POLICY=LocalNode.
#
`

// sectionComments are written above each top-level section.
var sectionComments = map[string]string{
	"logging": "Logging: level is DEBUG, INFO, WARN or ERROR; format is text or json",
	"server":  "Server-wide settings; metrics are served at :<port>/metrics",
	"store":   "Database holding shelves, books and globals (memory or badger)",
	"layout": "Machine written into the database by 'librarian provision'.\n" +
		"Give each node either nvm_size (LZA) or physaddrs (PHYSADDR).",
	"engine": "Command engine. default_policy is used for shelves without a\n" +
		"_policy attribute; node_id 0 means the first provisioned node.",
	"shadow": "Backend holding shelf contents (directory, file, aperture, memory, s3)",
	"zeroer": "Background zeroing of books released by shrinking shelves",
	"fsck":   "Crash recovery passes run by 'librarian fsck'",
}

// InitConfig writes a default configuration file to the default location.
//
// Returns the path of the written file. Fails if the file already exists
// unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a comment above each
// section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	if doc.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(doc.Content); i += 2 {
			key := doc.Content[i]
			if comment, ok := sectionComments[key.Value]; ok {
				key.HeadComment = comment
			}
		}
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	return buf.String(), nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// printStructured writes v as JSON or YAML. It reports false for the table
// format so the caller can render its own table.
func printStructured(w io.Writer, v any) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// Round trip through JSON so YAML keys match the JSON field names
		raw, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return true, err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q (use table, json or yaml)", outputFormat)
	}
}

// newTable returns a tab-aligned writer on stdout.
func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

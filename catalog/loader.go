// Package catalog provides the embedded inventory of source runbooks the
// service knows how to clone. Entries seed local execution backends and back
// catalog search.
package catalog

import (
	"bytes"
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/helpdeskops/triage/pkg/types"
)

//go:embed *.md
var catalogFiles embed.FS

// Load reads all embedded catalog files and parses them into entries.
// Each file must have YAML frontmatter delimited by "---" markers; the body
// is the runbook script itself.
func Load() ([]types.CatalogEntry, error) {
	entries, err := catalogFiles.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("reading catalog directory: %w", err)
	}

	out := make([]types.CatalogEntry, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		data, err := catalogFiles.ReadFile(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading catalog entry %s: %w", entry.Name(), err)
		}

		ce, err := parseEntry(data, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("parsing catalog entry %s: %w", entry.Name(), err)
		}

		out = append(out, ce)
	}

	return out, nil
}

// parseEntry extracts YAML frontmatter and the script body from file content.
func parseEntry(data []byte, filename string) (types.CatalogEntry, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return types.CatalogEntry{}, err
	}

	var ce types.CatalogEntry
	if err := yaml.Unmarshal(frontmatter, &ce); err != nil {
		return types.CatalogEntry{}, fmt.Errorf("unmarshaling frontmatter: %w", err)
	}

	ce.Content = strings.TrimSpace(string(body))
	ce.FilePath = filename

	if ce.Name == "" {
		return types.CatalogEntry{}, fmt.Errorf("catalog entry must have a name in frontmatter")
	}

	if ce.Description == "" {
		return types.CatalogEntry{}, fmt.Errorf("catalog entry must have a description in frontmatter")
	}

	return ce, nil
}

// splitFrontmatter separates YAML frontmatter from the script body.
// Frontmatter must be delimited by "---" at the start and end.
func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	const delimiter = "---"

	data = bytes.TrimSpace(data)
	if !bytes.HasPrefix(data, []byte(delimiter)) {
		return nil, nil, fmt.Errorf("file must start with YAML frontmatter delimiter '---'")
	}

	// Skip first delimiter
	data = data[len(delimiter):]

	// Find end delimiter
	idx := bytes.Index(data, []byte("\n"+delimiter))
	if idx == -1 {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter '---'")
	}

	frontmatter = bytes.TrimSpace(data[:idx])
	body = bytes.TrimSpace(data[idx+len("\n"+delimiter):])

	return frontmatter, body, nil
}

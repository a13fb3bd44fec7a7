package prompt

import (
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// knownHeaderFields is the fixed set of recognised front-matter keys.
// Unknown fields are ignored with a warning so the descriptor format can
// evolve additively without breaking older engines.
var knownHeaderFields = map[string]bool{
	"id":                 true,
	"version":            true,
	"category":           true,
	"agents":             true,
	"dependencies":       true,
	"inputs":             true,
	"outputs":            true,
	"model_requirements": true,
	"tokens":             true,
}

// parseFile parses one prompt file into a Descriptor.
// The file must open with a front-matter block:
//
//	---
//	id: review.validate-security
//	...
//	---
//	<prompt body>
func parseFile(path string, data []byte) (*Descriptor, error) {
	header, body, err := splitFrontMatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPromptMalformed, path, err)
	}

	warnUnknownFields(path, header)

	var d Descriptor
	if err := yaml.Unmarshal([]byte(header), &d); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPromptMalformed, path, err)
	}

	if d.ID == "" {
		return nil, fmt.Errorf("%w: %s: missing id", ErrPromptMalformed, path)
	}
	for _, p := range d.Inputs {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: %s: input with empty name", ErrPromptMalformed, path)
		}
	}
	for _, o := range d.Outputs {
		if o.Name == "" {
			return nil, fmt.Errorf("%w: %s: output with empty name", ErrPromptMalformed, path)
		}
	}

	d.Body = strings.TrimSpace(body)
	d.File = path
	return &d, nil
}

// splitFrontMatter separates the YAML header from the prompt body.
func splitFrontMatter(content string) (header, body string, err error) {
	trimmed := strings.TrimLeft(content, "\n\r\t ")
	if !strings.HasPrefix(trimmed, frontMatterDelimiter) {
		return "", "", fmt.Errorf("missing front-matter header")
	}

	rest := strings.TrimPrefix(trimmed, frontMatterDelimiter)
	rest = strings.TrimPrefix(rest, "\n")

	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated front-matter header")
	}

	header = rest[:idx]
	body = rest[idx+len(frontMatterDelimiter)+1:]
	// Drop the remainder of the delimiter line (e.g. trailing spaces).
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	return header, body, nil
}

// warnUnknownFields logs a warning for each top-level header key outside the
// fixed descriptor field set.
func warnUnknownFields(path, header string) {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(header), &raw); err != nil {
		return // the typed unmarshal will surface the real error
	}
	for key := range raw {
		if !knownHeaderFields[key] {
			slog.Warn("Ignoring unknown prompt header field",
				"file", path, "field", key)
		}
	}
}

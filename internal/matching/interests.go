package matching

import (
	"fmt"
	"strings"
)

const (
	// MaxInterests caps the number of tags a single profile may hold.
	MaxInterests = 10

	// MaxTagLength caps the byte length of a single interest tag.
	MaxTagLength = 64
)

// NormalizeInterests validates and canonicalizes a submitted interest list:
// tags are trimmed, empties dropped, and duplicates collapsed. Tags must not
// contain commas since the profile stores the set as a comma-separated
// string.
func NormalizeInterests(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))

	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if len(tag) > MaxTagLength {
			return nil, fmt.Errorf("matching: interest tag exceeds %d bytes", MaxTagLength)
		}
		if strings.Contains(tag, ",") {
			return nil, fmt.Errorf("matching: interest tag must not contain commas")
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("matching: at least one interest is required")
	}
	if len(out) > MaxInterests {
		return nil, fmt.Errorf("matching: at most %d interests are allowed", MaxInterests)
	}
	return out, nil
}

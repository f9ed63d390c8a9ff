// Package utils provides utility functions for the embedder.
package utils

import (
	"path/filepath"
	"strings"
)

// ValidatePath checks if a path is safe for use as a source_id (§4.9
// POST /api/documents). It prevents path traversal and shell injection
// attacks.
func ValidatePath(path string) bool {
	if path == "" {
		return false
	}

	// Prevent path traversal
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return false
	}

	// Prevent shell metacharacters
	dangerous := []string{";", "&", "|", "$", "`", "(", ")", "{", "}", "<", ">", "\n", "\r"}
	for _, char := range dangerous {
		if strings.Contains(path, char) {
			return false
		}
	}

	return true
}

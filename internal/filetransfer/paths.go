package filetransfer

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// containsDangerousChars reports NUL and control characters other than
// ordinary whitespace.
func containsDangerousChars(path string) bool {
	for _, r := range path {
		if r == 0 {
			return true
		}
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

// normalizePath applies NFC normalization and cleans the path.
func normalizePath(path string) string {
	return filepath.Clean(norm.NFC.String(path))
}

// isPathUnderPrefix matches prefix itself and anything below it, but not
// siblings sharing a name prefix (/var/wwwevil is not under /var/www).
func isPathUnderPrefix(path, prefix string) bool {
	cleanPath := normalizePath(path)
	cleanPrefix := normalizePath(prefix)
	if cleanPath == cleanPrefix {
		return true
	}
	if !strings.HasSuffix(cleanPrefix, string(filepath.Separator)) {
		cleanPrefix += string(filepath.Separator)
	}
	return strings.HasPrefix(cleanPath, cleanPrefix)
}

// isPathAllowed matches path against one allowed_paths entry:
//   - "/srv" allows /srv and everything under it
//   - "/srv/**" is the same, spelled as a recursive glob
//   - "/home/*/uploads" is a filepath.Match glob, also matched against
//     every parent of path
func isPathAllowed(path, pattern string) bool {
	cleanPattern := normalizePath(pattern)

	if strings.HasSuffix(cleanPattern, "/**") {
		return isPathUnderPrefix(path, strings.TrimSuffix(cleanPattern, "/**"))
	}

	if strings.ContainsAny(cleanPattern, "*?[") {
		for dir := path; dir != "/" && dir != "."; dir = filepath.Dir(dir) {
			if matched, err := filepath.Match(cleanPattern, dir); err == nil && matched {
				return true
			}
		}
		return false
	}

	return isPathUnderPrefix(path, cleanPattern)
}

// resolvePath checks a path received from the peer and returns its
// absolute, normalized form. Relative paths resolve against the working
// directory. An empty allowed list permits every path.
func resolvePath(path string, allowed []string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if containsDangerousChars(path) {
		return "", fmt.Errorf("path contains dangerous characters")
	}

	resolved := normalizePath(path)
	if !filepath.IsAbs(resolved) {
		abs, err := filepath.Abs(resolved)
		if err != nil {
			return "", err
		}
		resolved = abs
	}

	if len(allowed) == 0 {
		return resolved, nil
	}
	for _, pattern := range allowed {
		if pattern == "*" || isPathAllowed(resolved, pattern) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path not in allowed list: %s", path)
}

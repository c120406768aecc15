package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrPathTraversal indicates a path escapes its root or contains "..".
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrInvalidDocumentID indicates a document ID is malformed.
	ErrInvalidDocumentID = errors.New("invalid document ID format")
)

// MaxDocumentIDLength bounds document IDs.
const MaxDocumentIDLength = 128

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidatePath resolves path and checks it stays inside allowedRoot.
// Relative paths resolve against allowedRoot, not the working directory.
// With an empty allowedRoot only the traversal check applies.
// Returns the cleaned absolute path.
func ValidatePath(path, allowedRoot string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	for _, part := range strings.FieldsFunc(path, isSeparator) {
		if part == ".." {
			return "", fmt.Errorf("%w: contains '..'", ErrPathTraversal)
		}
	}

	if allowedRoot == "" {
		abs, err := filepath.Abs(filepath.Clean(path))
		if err != nil {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
		return abs, nil
	}

	absRoot, err := filepath.Abs(allowedRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve allowed root: %w", err)
	}

	abs := filepath.Clean(path)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(absRoot, abs)
	}

	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes allowed root", ErrPathTraversal)
	}
	return abs, nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// SafeBasename returns the base name of a validated path.
func SafeBasename(path string) (string, error) {
	clean, err := ValidatePath(path, "")
	if err != nil {
		return "", err
	}
	base := filepath.Base(clean)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: invalid path base", ErrPathTraversal)
	}
	return base, nil
}

// ValidateDocumentID checks a caller-supplied document ID. IDs are opaque
// but end up in chunk IDs, file names and NATS subjects, so only
// [A-Za-z0-9._-] is accepted and the first character must be alphanumeric.
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: document_id is required", ErrInvalidDocumentID)
	}
	if len(id) > MaxDocumentIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, MaxDocumentIDLength)
	}
	if !documentIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDocumentID, id)
	}
	return nil
}

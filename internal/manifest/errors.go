package manifest

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidManifest is matched by every ValidationError.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrUnsupportedKey is returned for launchd keys relaunchd does not implement.
	ErrUnsupportedKey = errors.New("unsupported key")

	// ErrNotManifest is returned for files that do not carry the .json suffix.
	ErrNotManifest = errors.New("not a manifest file")
)

// ValidationError describes a manifest that could not be turned into a
// JobDescriptor.
type ValidationError struct {
	// Path is the manifest file, empty for submitted manifests
	Path string
	// Field is the offending key, empty when the document as a whole is bad
	Field string
	// Err is the underlying error
	Err error
}

func (e *ValidationError) Error() string {
	where := e.Path
	if where == "" {
		where = "<submitted>"
	}
	if e.Field == "" {
		return fmt.Sprintf("manifest %s: %v", where, e.Err)
	}
	return fmt.Sprintf("manifest %s: %s: %v", where, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports ErrInvalidManifest for any validation failure.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidManifest
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

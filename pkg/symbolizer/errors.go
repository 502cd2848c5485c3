package symbolizer

import (
	"errors"
	"fmt"
)

// ErrMappingNotFound is returned when the bucket holds no mapping under the
// requested key.
var ErrMappingNotFound = errors.New("mapping not found")

// ErrInvalidMappingKey is returned for keys that are not relative slash
// separated paths.
var ErrInvalidMappingKey = errors.New("invalid mapping key")

type mappingNotFoundError struct {
	key string
}

func (e mappingNotFoundError) Error() string {
	return fmt.Sprintf("mapping not found: %s", e.key)
}

func (e mappingNotFoundError) Is(target error) bool { return target == ErrMappingNotFound }

type invalidMappingKeyError struct {
	key string
}

func (e invalidMappingKeyError) Error() string {
	return fmt.Sprintf("invalid mapping key: %q", e.key)
}

func (e invalidMappingKeyError) Is(target error) bool { return target == ErrInvalidMappingKey }

func isInvalidMappingKeyError(err error) bool {
	var target invalidMappingKeyError
	return errors.As(err, &target)
}

// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package buildererrors

import (
	"errors"
)

// BuilderError is a named error category. Packages declare their failure modes as package-level BuilderError values
// and wrap them with fmt.Errorf("%w ...:\n%w", ErrX, cause) so callers can match with errors.Is.
type BuilderError struct {
	name    string
	message string
}

func New(name string, message string) *BuilderError {
	return &BuilderError{
		name:    name,
		message: message,
	}
}

// Name returns the stable identifier of the error category (e.g. "Disk:AttachFailed").
func (e *BuilderError) Name() string {
	return e.name
}

func (e *BuilderError) Error() string {
	return e.message
}

// NameOf returns the name of the first BuilderError in err's chain, or "" if there is none.
func NameOf(err error) string {
	var builderErr *BuilderError
	if errors.As(err, &builderErr) {
		return builderErr.name
	}
	return ""
}

// Names returns the names of every BuilderError in err's tree, outermost first.
func Names(err error) []string {
	names := []string(nil)
	walk(err, func(e error) {
		if builderErr, ok := e.(*BuilderError); ok {
			names = append(names, builderErr.name)
		}
	})
	return names
}

func walk(err error, visit func(error)) {
	if err == nil {
		return
	}

	visit(err)

	switch wrapped := err.(type) {
	case interface{ Unwrap() error }:
		walk(wrapped.Unwrap(), visit)

	case interface{ Unwrap() []error }:
		for _, inner := range wrapped.Unwrap() {
			walk(inner, visit)
		}
	}
}

package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")

	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrConflict)
	ErrInvalidState      = fmt.Errorf("%w: invalid order state", ErrConflict)
	ErrItemNotFound      = fmt.Errorf("%w: item not in order", ErrValidation)
)

// ValidationError lists every rejected input field. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	msgs := lo.Values(e.Fields)
	slices.Sort(msgs)

	return strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrDuplicate is returned when a normalized domain already has a record.
	ErrDuplicate = fmt.Errorf("%w: domain already exists", ErrConflict)
)

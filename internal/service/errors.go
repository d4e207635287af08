package service

import (
	"errors"
)

var (
	ErrForbidden   = errors.New("user is not a participant in this conversation")
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation failed")
	ErrPersistence = errors.New("persistence failure")
)

const (
	KindForbidden   = "forbidden"
	KindNotFound    = "not_found"
	KindValidation  = "validation_failed"
	KindPersistence = "persistence_failed"
	KindInternal    = "internal"
)

// Kind classifies err into one of the stable error kinds exposed to callers.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindInternal
	}
}

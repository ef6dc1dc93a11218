// Package domain holds the failure kinds shared by the safety and prescription domains.
package domain

import "errors"

// Failure kinds. Every domain operation fails with exactly one of these,
// wrapped with context; callers branch on them with errors.Is.
var (
	ErrExpired               = errors.New("prescription expired")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidPrescription   = errors.New("invalid prescription")
	ErrAlreadyExists         = errors.New("already exists")
	ErrNotFound              = errors.New("not found")
	ErrInvalidSeverity       = errors.New("invalid severity")
	ErrInteractionNotFound   = errors.New("interaction not found")
	ErrMissingOverrideReason = errors.New("missing override reason")
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrExpired, "expired"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidPrescription, "invalid_prescription"},
	{ErrAlreadyExists, "already_exists"},
	{ErrNotFound, "not_found"},
	{ErrInvalidSeverity, "invalid_severity"},
	{ErrInteractionNotFound, "interaction_not_found"},
	{ErrMissingOverrideReason, "missing_override_reason"},
}

// Code returns the stable wire code of the failure kind wrapped by err,
// or "" when err is not a domain failure.
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return ""
}

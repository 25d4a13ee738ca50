// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package working

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates an operation not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid working offset transition")

	// ErrSaveFailed indicates the persistence call failed. The working offset
	// is kept and the save can be retried.
	ErrSaveFailed = errors.New("offset save failed")

	// ErrSaveAbandoned indicates the save context ended before the result
	// could be applied. The result, if any, was not applied.
	ErrSaveAbandoned = errors.New("offset save abandoned")
)

// SaveError carries the (labware, location) key of a failed save.
type SaveError struct {
	LabwareURI string
	Sequence   string
	Err        error
}

// Error implements error.
func (e *SaveError) Error() string {
	return fmt.Sprintf("saving offset for %s at %s: %v", e.LabwareURI, e.Sequence, e.Err)
}

// Unwrap exposes both ErrSaveFailed and the underlying cause.
func (e *SaveError) Unwrap() []error {
	return []error{ErrSaveFailed, e.Err}
}

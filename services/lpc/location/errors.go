// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package location

import "errors"

// Sentinel errors for sequence construction and decoding.
var (
	// ErrAreaNotLast indicates an addressable area component that is not the
	// final element of a sequence.
	ErrAreaNotLast = errors.New("addressable area must be the last component")

	// ErrNilComponent indicates a nil entry in a component list.
	ErrNilComponent = errors.New("nil location component")

	// ErrUnknownKind indicates a component kind outside the known variants.
	ErrUnknownKind = errors.New("unknown location component kind")

	// ErrInvalidSequence indicates a wire value that is neither the
	// "anyLocation" sentinel nor a component list.
	ErrInvalidSequence = errors.New("invalid location sequence")
)

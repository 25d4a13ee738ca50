// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package offsets

import "errors"

var (
	// ErrUnknownLabware indicates a definition URI with no entry in LabwareInfo.
	ErrUnknownLabware = errors.New("unknown labware")

	// ErrUnknownLocation indicates a sequence with no location-specific entry.
	ErrUnknownLocation = errors.New("unknown location for labware")
)

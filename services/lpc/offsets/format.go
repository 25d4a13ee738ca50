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

import (
	"math"
	"strconv"
)

// FormatCoordinate renders a millimetre value with one decimal place.
// Values that round to zero render as "0.0", never "-0.0".
func FormatCoordinate(mm float64) string {
	r := math.Round(mm*10) / 10
	if r == 0 {
		r = 0
	}
	return strconv.FormatFloat(r, 'f', 1, 64)
}

// FormatVector renders "X 0.5 Y -0.2 Z 0.0".
func FormatVector(v Vector) string {
	return "X " + FormatCoordinate(v.X) + " Y " + FormatCoordinate(v.Y) + " Z " + FormatCoordinate(v.Z)
}

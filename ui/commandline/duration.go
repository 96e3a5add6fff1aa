// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"time"
)

// FormatDuration pretty-prints d with at most 3 significant digits, e.g. "1.23ms" or "2m3s".
func FormatDuration(d time.Duration) string {
	var unit time.Duration
	switch abs := max(d, -d); {
	case abs >= time.Minute:
		unit = time.Second
	case abs >= time.Second:
		unit = 10 * time.Millisecond
	case abs >= time.Millisecond:
		unit = 10 * time.Microsecond
	case abs >= time.Microsecond:
		unit = 10 * time.Nanosecond
	default:
		unit = time.Nanosecond
	}
	return d.Round(unit).String()
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"time"
)

// FormatDuration pretty prints a duration with at most 2 decimal places in its largest unit.
// E.g.: 1.23456789s becomes "1.23s" and 1m2.5s becomes "1m3s".
func FormatDuration(d time.Duration) string {
	var precision time.Duration
	switch abs := d.Abs(); {
	case abs >= time.Minute:
		precision = time.Second
	case abs >= time.Second:
		precision = 10 * time.Millisecond
	case abs >= time.Millisecond:
		precision = 10 * time.Microsecond
	case abs >= time.Microsecond:
		precision = 10 * time.Nanosecond
	default:
		return d.String()
	}
	return d.Round(precision).String()
}

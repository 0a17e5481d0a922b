/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	timeStringPart = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*([a-z]*)`)

	timeUnits = map[string]time.Duration{
		"":             time.Second,
		"ms":           time.Millisecond,
		"millis":       time.Millisecond,
		"millisecond":  time.Millisecond,
		"milliseconds": time.Millisecond,
		"s":            time.Second,
		"sec":          time.Second,
		"secs":         time.Second,
		"second":       time.Second,
		"seconds":      time.Second,
		"m":            time.Minute,
		"min":          time.Minute,
		"mins":         time.Minute,
		"minute":       time.Minute,
		"minutes":      time.Minute,
		"h":            time.Hour,
		"hour":         time.Hour,
		"hours":        time.Hour,
		"d":            24 * time.Hour,
		"day":          24 * time.Hour,
		"days":         24 * time.Hour,
	}
)

// ParseTimeString parses time strings like "1.5", "2 seconds", "1 min 30 s", "100ms" or "01:30".
func ParseTimeString(s string) (time.Duration, error) {
	orig := s
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("Invalid time string '%s'.", orig)
	}

	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var total time.Duration
	if strings.Contains(s, ":") {
		d, err := parseTimer(s)
		if err != nil {
			return 0, fmt.Errorf("Invalid time string '%s'.", orig)
		}
		total = d
	} else {
		s = strings.ReplaceAll(s, " ", "")
		for s != "" {
			m := timeStringPart.FindStringSubmatch(s)
			if m == nil {
				return 0, fmt.Errorf("Invalid time string '%s'.", orig)
			}
			unit, known := timeUnits[m[2]]
			if !known {
				return 0, fmt.Errorf("Invalid time string '%s'.", orig)
			}
			n, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, fmt.Errorf("Invalid time string '%s'.", orig)
			}
			total += time.Duration(n * float64(unit))
			s = s[len(m[0]):]
		}
	}

	if negative {
		total = -total
	}
	return total, nil
}

// hh:mm:ss or mm:ss
func parseTimer(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("too many parts")
	}

	var total time.Duration
	for _, part := range parts {
		n, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, err
		}
		total = total*60 + time.Duration(n*float64(time.Second))
	}
	return total, nil
}

// FormatDuration formats a duration the way keyword messages do, e.g. "1 minute 30 seconds".
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0 seconds"
	}

	var parts []string
	add := func(n int64, unit string) {
		if n == 0 {
			return
		}
		if n != 1 {
			unit += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, unit))
	}

	ms := d.Milliseconds()
	add(ms/(24*3600*1000), "day")
	add(ms/(3600*1000)%24, "hour")
	add(ms/(60*1000)%60, "minute")
	add(ms/1000%60, "second")
	add(ms%1000, "millisecond")
	return strings.Join(parts, " ")
}

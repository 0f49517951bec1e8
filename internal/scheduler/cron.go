// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package scheduler runs the background jobs: cache sweeps, proactive
// warms, nightly staggered refreshes, deep scans, and tenant sync.
// Schedules are either fixed intervals or standard 5-field cron
// expressions.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldSet is the set of accepted values for one cron field, stored as
// a bitmask. star records that the field was written "*", which matters
// for the day-of-month / day-of-week OR rule.
type fieldSet struct {
	bits uint64
	star bool
}

func (f fieldSet) has(v int) bool {
	return f.bits&(1<<uint(v)) != 0
}

// Expression is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week.
type Expression struct {
	minute fieldSet
	hour   fieldSet
	dom    fieldSet
	month  fieldSet
	dow    fieldSet
}

// ParseCron parses a standard 5-field cron expression.
//
// Supported syntax per field: "*", a value, "n-m" ranges, "a,b,c"
// lists, and "/s" steps over "*" or a range. Day-of-week accepts 0-7
// with both 0 and 7 meaning Sunday.
//
// Examples:
//
//	"0 1 * * *"    every day at 01:00
//	"30 2 * * *"   every day at 02:30
//	"*/15 * * * *" every 15 minutes
func ParseCron(expr string) (*Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	e := &Expression{}
	specs := []struct {
		dst      *fieldSet
		name     string
		min, max int
	}{
		{&e.minute, "minute", 0, 59},
		{&e.hour, "hour", 0, 23},
		{&e.dom, "day-of-month", 1, 31},
		{&e.month, "month", 1, 12},
		{&e.dow, "day-of-week", 0, 7},
	}
	for i, spec := range specs {
		fs, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field %q: %w", spec.name, fields[i], err)
		}
		*spec.dst = fs
	}

	// Sunday can be written as either 0 or 7.
	if e.dow.has(7) {
		e.dow.bits |= 1 << 0
		e.dow.bits &^= 1 << 7
	}

	return e, nil
}

// Next returns the first time strictly after the given instant that
// matches the expression, evaluated in that instant's location. Returns
// the zero time if no match exists within four years.
func (e *Expression) Next(after time.Time) time.Time {
	t := after.Add(time.Minute).Truncate(time.Minute)

	// Bounded search, one minute at a time. Four years covers every
	// satisfiable 5-field expression including Feb 29 schedules.
	const maxMinutes = 4 * 366 * 24 * 60
	for i := 0; i < maxMinutes; i++ {
		if e.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func (e *Expression) matches(t time.Time) bool {
	if !e.minute.has(t.Minute()) || !e.hour.has(t.Hour()) || !e.month.has(int(t.Month())) {
		return false
	}

	// Standard cron rule: when both day fields are restricted, a match
	// on either is enough; a field written "*" restricts nothing.
	domMatch := e.dom.has(t.Day())
	dowMatch := e.dow.has(int(t.Weekday()))
	switch {
	case e.dom.star && e.dow.star:
		return true
	case e.dom.star:
		return dowMatch
	case e.dow.star:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

func parseField(field string, minVal, maxVal int) (fieldSet, error) {
	if field == "*" {
		var fs fieldSet
		fs.star = true
		for v := minVal; v <= maxVal; v++ {
			fs.bits |= 1 << uint(v)
		}
		return fs, nil
	}

	var fs fieldSet
	for _, part := range strings.Split(field, ",") {
		bits, err := parseFieldPart(part, minVal, maxVal)
		if err != nil {
			return fieldSet{}, err
		}
		fs.bits |= bits
	}
	return fs, nil
}

func parseFieldPart(part string, minVal, maxVal int) (uint64, error) {
	step := 1
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		s, err := strconv.Atoi(part[idx+1:])
		if err != nil || s <= 0 {
			return 0, fmt.Errorf("invalid step %q", part[idx+1:])
		}
		step = s
		part = part[:idx]
	}

	start, end := minVal, maxVal
	switch {
	case part == "*":
		// Full range. A stepped wildcard is not a star for the
		// day-field OR rule, matching common cron implementations.
	case strings.Contains(part, "-"):
		lo, hi, _ := strings.Cut(part, "-")
		var err error
		if start, err = strconv.Atoi(lo); err != nil {
			return 0, fmt.Errorf("invalid range start %q", lo)
		}
		if end, err = strconv.Atoi(hi); err != nil {
			return 0, fmt.Errorf("invalid range end %q", hi)
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", part)
		}
		start = v
		if step == 1 {
			end = v
		}
	}

	if start > end || start < minVal || end > maxVal {
		return 0, fmt.Errorf("range %d-%d outside %d-%d", start, end, minVal, maxVal)
	}

	var bits uint64
	for v := start; v <= end; v += step {
		bits |= 1 << uint(v)
	}
	return bits, nil
}

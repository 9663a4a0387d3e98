// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package violationlog

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/tomtom215/marzguard/internal/models"
)

const maxLineBytes = 1 << 20

// TailResult is the end of the log file.
type TailResult struct {
	Lines      []string `json:"lines"`
	TotalLines int      `json:"total_lines"`
}

// Tail returns the last n lines of the file at path. A missing file yields
// an empty result.
func Tail(path string, n int) (TailResult, error) {
	if n <= 0 {
		return TailResult{Lines: []string{}}, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return TailResult{Lines: []string{}}, nil
	}
	if err != nil {
		return TailResult{}, fmt.Errorf("open violation log: %w", err)
	}
	defer f.Close()

	ring := make([]string, n)
	total := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		ring[total%n] = scanner.Text()
		total++
	}
	if err := scanner.Err(); err != nil {
		return TailResult{}, fmt.Errorf("read violation log: %w", err)
	}

	count := total
	if count > n {
		count = n
	}
	lines := make([]string, 0, count)
	for i := total - count; i < total; i++ {
		lines = append(lines, ring[i%n])
	}
	return TailResult{Lines: lines, TotalLines: total}, nil
}

// ViolationCount counts lines for username at or after since. The TEST
// sentinel and lines in other formats are skipped.
func ViolationCount(path, username string, since time.Time) (int, error) {
	count := 0
	err := scanEvents(path, func(ev models.ViolationEvent) {
		if ev.Username == username && !ev.Timestamp.Before(since) {
			count++
		}
	})
	return count, err
}

// Violator is one row of the top violators table.
type Violator struct {
	Username      string    `json:"username"`
	Count         int       `json:"violation_count"`
	LastViolation time.Time `json:"last_violation"`
}

// Summary aggregates a violation log.
type Summary struct {
	Total        int            `json:"total_violations"`
	Last24h      int            `json:"violations_last_24h"`
	Last7d       int            `json:"violations_last_7d"`
	ByType       map[string]int `json:"violation_types"`
	TopViolators []Violator     `json:"top_violators"`
}

// Summarize counts the log relative to now and returns at most top
// violators, busiest first. Lines without a username count toward the
// totals but never appear as violators.
func Summarize(path string, now time.Time, top int) (Summary, error) {
	sum := Summary{ByType: make(map[string]int), TopViolators: []Violator{}}
	day := now.Add(-24 * time.Hour)
	week := now.Add(-7 * 24 * time.Hour)
	byUser := make(map[string]*Violator)

	err := scanEvents(path, func(ev models.ViolationEvent) {
		sum.Total++
		sum.ByType[string(ev.Type)]++
		if !ev.Timestamp.Before(day) {
			sum.Last24h++
		}
		if !ev.Timestamp.Before(week) {
			sum.Last7d++
		}
		if ev.Username == "" {
			return
		}
		v, ok := byUser[ev.Username]
		if !ok {
			v = &Violator{Username: ev.Username}
			byUser[ev.Username] = v
		}
		v.Count++
		if ev.Timestamp.After(v.LastViolation) {
			v.LastViolation = ev.Timestamp
		}
	})

	for _, v := range byUser {
		sum.TopViolators = append(sum.TopViolators, *v)
	}
	sort.Slice(sum.TopViolators, func(i, j int) bool {
		a, b := sum.TopViolators[i], sum.TopViolators[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Username < b.Username
	})
	if top >= 0 && len(sum.TopViolators) > top {
		sum.TopViolators = sum.TopViolators[:top]
	}
	return sum, err
}

// scanEvents calls fn for every parseable non-sentinel line. A missing
// file is empty.
func scanEvents(path string, fn func(models.ViolationEvent)) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open violation log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		ev, err := Parse(scanner.Text())
		if err != nil || ev.IsTest() {
			continue
		}
		fn(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read violation log: %w", err)
	}
	return nil
}

// Tail reads the writer's file.
func (w *Writer) Tail(n int) (TailResult, error) {
	return Tail(w.opts.Path, n)
}

// ViolationCount counts the writer's lines for username since the time given.
func (w *Writer) ViolationCount(username string, since time.Time) (int, error) {
	return ViolationCount(w.opts.Path, username, since)
}

// Summarize aggregates the writer's file.
func (w *Writer) Summarize(now time.Time, top int) (Summary, error) {
	return Summarize(w.opts.Path, now, top)
}

// Copyright (c) 2025 Barqly
//
// This file is part of barqly-vault.
//
// barqly-vault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@barqly.com for commercial licensing options.

package transcript

import "strings"

// Transcript accumulates the raw output of one tool session together with
// the classified event per line. The tools never echo PIN input, so the
// transcript is safe to attach to errors and debug logs.
type Transcript struct {
	lines  []string
	events []Event
}

// New returns an empty transcript.
func New() *Transcript {
	return &Transcript{}
}

// Append classifies and records one output line, returning its event.
func (t *Transcript) Append(line string) Event {
	ev := Classify(line)
	t.lines = append(t.lines, line)
	t.events = append(t.events, ev)
	return ev
}

// Lines returns the raw lines in arrival order.
func (t *Transcript) Lines() []string {
	return t.lines
}

// Events returns the classified events in arrival order.
func (t *Transcript) Events() []Event {
	return t.events
}

// First returns the first event of the given kind, if any.
func (t *Transcript) First(kind EventKind) (Event, bool) {
	for _, ev := range t.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

// Count returns the number of events of the given kind.
func (t *Transcript) Count(kind EventKind) int {
	n := 0
	for _, ev := range t.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// String joins the raw lines for error reporting.
func (t *Transcript) String() string {
	return strings.Join(t.lines, "\n")
}

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

// Package transcript classifies the line-oriented output of the external
// key tools into typed events. All substring matching against tool output
// lives here; a tool upgrade that changes wording should only ever require
// editing the pattern tables in this file.
package transcript

import (
	"strings"

	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// EventKind identifies what a single output line means to the session
// controller.
type EventKind int

const (
	// EventUnrecognized is any line no pattern matched. It still counts as
	// output for liveness purposes.
	EventUnrecognized EventKind = iota

	// EventPinPrompt asks for the PIN on the tool's terminal.
	EventPinPrompt

	// EventTouchStart is the fixed "Generating key" line after which the
	// tool goes silent until the user physically confirms. Detection of the
	// silent phase is a timing heuristic, not a protocol signal.
	EventTouchStart

	// EventTouchPrompt explicitly asks for a touch.
	EventTouchPrompt

	// EventRecipient carries the public encryption target (age1yubikey1...),
	// bare or behind a "Recipient:" comment.
	EventRecipient

	// EventIdentity carries the opaque unlock handle (AGE-PLUGIN-YUBIKEY-...).
	EventIdentity

	// EventComment is a '#' comment line with no recipient payload.
	EventComment

	// EventError is a line the tool uses to report failure.
	EventError
)

// Pattern tables. Kept as data so that tracking an upstream tool release is
// a table edit, not a control-flow change.
var (
	pinPromptPatterns = []string{
		"Enter PIN",
		"PIN:",
		"PIN for",
	}

	touchStartPatterns = []string{
		"Generating key",
	}

	// Touch prompts match full phrases only; a bare "touch" would swallow
	// failure lines like "Error: touch timeout".
	touchPromptPatterns = []string{
		"Please touch",
		"Touch your",
		"touch your",
		"waiting on", // "age: waiting on yubikey plugin..."
	}

	errorPatterns = []string{
		"error",
		"Error",
		"failed",
		"Failed",
	}

	triesRemainingPatterns = []string{
		"tries remaining",
		"attempts remaining",
	}
)

// Event is one classified output line.
type Event struct {
	Kind EventKind
	// Line is the trimmed source line.
	Line string
	// Value holds the extracted payload for EventRecipient and EventIdentity.
	Value string
}

// Classify maps a single output line to an event.
//
// Order matters: identity and recipient lines are checked before the error
// patterns because tool output can legitimately contain the word "key", and
// a recipient behind a "#   Recipient:" comment must not be swallowed by the
// comment rule.
func Classify(line string) Event {
	trimmed := strings.TrimSpace(line)

	if v, ok := extractIdentityTag(trimmed); ok {
		return Event{Kind: EventIdentity, Line: trimmed, Value: v}
	}
	if v, ok := extractRecipient(trimmed); ok {
		return Event{Kind: EventRecipient, Line: trimmed, Value: v}
	}
	if strings.HasPrefix(trimmed, "#") {
		return Event{Kind: EventComment, Line: trimmed}
	}
	if matchesAny(trimmed, touchStartPatterns) {
		return Event{Kind: EventTouchStart, Line: trimmed}
	}
	if matchesAny(trimmed, pinPromptPatterns) {
		return Event{Kind: EventPinPrompt, Line: trimmed}
	}
	if matchesAny(trimmed, touchPromptPatterns) {
		return Event{Kind: EventTouchPrompt, Line: trimmed}
	}
	if matchesAny(trimmed, errorPatterns) {
		return Event{Kind: EventError, Line: trimmed}
	}
	return Event{Kind: EventUnrecognized, Line: trimmed}
}

func matchesAny(line string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

// extractIdentityTag pulls an identity tag from a bare or comment-prefixed
// line. A recipient string is never accepted here.
func extractIdentityTag(line string) (string, bool) {
	idx := strings.Index(line, types.IdentityTagPrefix)
	if idx < 0 {
		return "", false
	}
	tag := firstToken(line[idx:])
	return tag, true
}

// extractRecipient pulls a recipient from a bare line or from the
// "#    Recipient: age1yubikey1..." comment form. An identity tag is never
// accepted here.
func extractRecipient(line string) (string, bool) {
	idx := strings.Index(line, types.RecipientPrefix)
	if idx < 0 {
		return "", false
	}
	// Bare recipient line, or a comment that names the recipient.
	if strings.HasPrefix(line, types.RecipientPrefix) || strings.Contains(line, "Recipient:") {
		return firstToken(line[idx:]), true
	}
	return "", false
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, " \t\r"); i >= 0 {
		return s[:i]
	}
	return s
}

// TriesRemaining parses a best-effort "N tries remaining" count from a line.
// Absence is normal; callers must treat the count as advisory only.
func TriesRemaining(line string) (int, bool) {
	if !matchesAny(line, triesRemainingPatterns) {
		return 0, false
	}
	fields := strings.Fields(line)
	for i, f := range fields {
		if (f == "tries" || f == "attempts") && i > 0 {
			n := 0
			for _, c := range fields[i-1] {
				if c < '0' || c > '9' {
					return 0, false
				}
				n = n*10 + int(c-'0')
			}
			return n, true
		}
	}
	return 0, false
}

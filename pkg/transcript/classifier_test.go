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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantKind  EventKind
		wantValue string
	}{
		{
			name:     "pin prompt",
			line:     "Enter PIN for YubiKey with serial 12345678: ",
			wantKind: EventPinPrompt,
		},
		{
			name:     "bare pin prompt",
			line:     "PIN: ",
			wantKind: EventPinPrompt,
		},
		{
			name:     "touch start marker",
			line:     "Generating key...",
			wantKind: EventTouchStart,
		},
		{
			name:     "touch prompt",
			line:     "Please touch your YubiKey",
			wantKind: EventTouchPrompt,
		},
		{
			name:     "plugin wait line",
			line:     "age: waiting on yubikey plugin...",
			wantKind: EventTouchPrompt,
		},
		{
			name:      "bare recipient",
			line:      "age1yubikey1q2f3xyzexample",
			wantKind:  EventRecipient,
			wantValue: "age1yubikey1q2f3xyzexample",
		},
		{
			name:      "recipient comment",
			line:      "#    Recipient: age1yubikey1q2f3xyzexample",
			wantKind:  EventRecipient,
			wantValue: "age1yubikey1q2f3xyzexample",
		},
		{
			name:      "identity tag",
			line:      "AGE-PLUGIN-YUBIKEY-1ABCDEF2GHIJKL",
			wantKind:  EventIdentity,
			wantValue: "AGE-PLUGIN-YUBIKEY-1ABCDEF2GHIJKL",
		},
		{
			name:     "plain comment",
			line:     "#       Serial: 12345678, Slot: 1",
			wantKind: EventComment,
		},
		{
			name:     "error line",
			line:     "Error: connection failed",
			wantKind: EventError,
		},
		{
			name:     "touch failure is an error, not a touch prompt",
			line:     "Error: touch timeout",
			wantKind: EventError,
		},
		{
			name:     "unrecognized",
			line:     "some ordinary output",
			wantKind: EventUnrecognized,
		},
		{
			name:     "whitespace trimmed",
			line:     "   Generating key...   ",
			wantKind: EventTouchStart,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Classify(tt.line)
			assert.Equal(t, tt.wantKind, ev.Kind)
			if tt.wantValue != "" {
				assert.Equal(t, tt.wantValue, ev.Value)
			}
		})
	}
}

// A recipient must never be classified as an identity, and vice versa. This
// separation fixed a real defect where one was persisted in place of the
// other.
func TestClassifyNeverConfusesRecipientAndIdentity(t *testing.T) {
	rec := Classify("age1yubikey1q2f3xyzexample")
	require.Equal(t, EventRecipient, rec.Kind)
	assert.NotEqual(t, EventIdentity, rec.Kind)

	id := Classify("AGE-PLUGIN-YUBIKEY-1ABCDEF2GHIJKL")
	require.Equal(t, EventIdentity, id.Kind)

	// Comment carrying an identity tag still classifies as identity, not
	// recipient.
	idComment := Classify("# identity AGE-PLUGIN-YUBIKEY-1ABCDEF2GHIJKL")
	assert.Equal(t, EventIdentity, idComment.Kind)
	assert.Equal(t, "AGE-PLUGIN-YUBIKEY-1ABCDEF2GHIJKL", idComment.Value)
}

func TestTriesRemaining(t *testing.T) {
	tests := []struct {
		line   string
		want   int
		wantOk bool
	}{
		{"Error: wrong PIN, 2 tries remaining", 2, true},
		{"wrong PIN: 1 attempts remaining", 1, true},
		{"Error: wrong PIN", 0, false},
		{"tries remaining", 0, false},
		{"x tries remaining", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := TriesRemaining(tt.line)
			assert.Equal(t, tt.wantOk, ok)
			if tt.wantOk {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTranscriptAccumulator(t *testing.T) {
	tr := New()
	tr.Append("#       Serial: 12345678, Slot: 1")
	tr.Append("AGE-PLUGIN-YUBIKEY-1ABCDEF2GHIJKL")
	tr.Append("#    Recipient: age1yubikey1q2f3xyzexample")
	tr.Append("noise")

	assert.Len(t, tr.Lines(), 4)
	assert.Equal(t, 1, tr.Count(EventIdentity))
	assert.Equal(t, 1, tr.Count(EventRecipient))

	id, ok := tr.First(EventIdentity)
	require.True(t, ok)
	assert.Equal(t, "AGE-PLUGIN-YUBIKEY-1ABCDEF2GHIJKL", id.Value)

	rec, ok := tr.First(EventRecipient)
	require.True(t, ok)
	assert.Equal(t, "age1yubikey1q2f3xyzexample", rec.Value)

	_, ok = tr.First(EventPinPrompt)
	assert.False(t, ok)

	assert.Contains(t, tr.String(), "noise")
}

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

package agetool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tool.sh")
	script := "#!/bin/sh\nstty -echo 2>/dev/null || true\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func mustSerial(t *testing.T, v string) types.Serial {
	t.Helper()
	s, err := types.NewSerial(v)
	require.NoError(t, err)
	return s
}

func TestGenerateParsesIdentityAndRecipient(t *testing.T) {
	script := writeScript(t, `
printf 'Enter PIN: '
read pin
echo ""
echo "Generating key..."
echo "#       Serial: 12345678, Slot: 1"
echo "#    Recipient: age1yubikey1qgenerated"
echo "AGE-PLUGIN-YUBIKEY-1GENERATED0000"
exit 0
`)

	tool := New(script, nil)
	pin, err := types.NewPin("654321")
	require.NoError(t, err)

	id, err := tool.Generate(context.Background(), GenerateParams{
		Serial: mustSerial(t, "12345678"),
		Pin:    pin,
		Slot:   1,
		Name:   "backup",
	})
	require.NoError(t, err)
	assert.Equal(t, "AGE-PLUGIN-YUBIKEY-1GENERATED0000", id.IdentityTag())
	assert.Equal(t, "age1yubikey1qgenerated", id.Recipient())
	assert.Equal(t, uint8(1), id.Slot())
}

func TestGenerateRejectsBadSlotBeforeSpawning(t *testing.T) {
	tool := New(filepath.Join(t.TempDir(), "never-invoked"), nil)

	for _, slot := range []uint8{0, 21} {
		_, err := tool.Generate(context.Background(), GenerateParams{
			Serial: mustSerial(t, "12345678"),
			Slot:   slot,
		})
		assert.ErrorIs(t, err, types.ErrSlotOutOfRange, "slot %d", slot)
	}
}

func TestIdentityForSerial(t *testing.T) {
	script := writeScript(t, `
echo "#       Serial: 12345678, Slot: 3"
echo "#    Recipient: age1yubikey1qexisting"
echo "AGE-PLUGIN-YUBIKEY-1EXISTING00000"
exit 0
`)

	tool := New(script, nil)
	id, err := tool.IdentityForSerial(context.Background(), mustSerial(t, "12345678"))
	require.NoError(t, err)
	assert.Equal(t, "AGE-PLUGIN-YUBIKEY-1EXISTING00000", id.IdentityTag())
	assert.Equal(t, "age1yubikey1qexisting", id.Recipient())
	assert.Equal(t, uint8(3), id.Slot())
}

func TestIdentityForSerialNotFound(t *testing.T) {
	script := writeScript(t, `
echo "# no identity on this device"
exit 0
`)

	tool := New(script, nil)
	_, err := tool.IdentityForSerial(context.Background(), mustSerial(t, "12345678"))
	assert.ErrorIs(t, err, types.ErrIdentityNotFound)
}

func TestListRecipients(t *testing.T) {
	script := writeScript(t, `
echo "#       Serial: 12345678, Slot: 1"
echo "age1yubikey1qfirst"
echo "#       Serial: 87654321, Slot: 1"
echo "age1yubikey1qsecond"
exit 0
`)

	tool := New(script, nil)
	recipients, err := tool.ListRecipients(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"age1yubikey1qfirst", "age1yubikey1qsecond"}, recipients)
}

func TestEncryptDecryptThroughTool(t *testing.T) {
	// The fake tool "encrypts" by reversing nothing: it copies input to
	// output, which is enough to exercise the temp-file plumbing.
	script := writeScript(t, `
out=""
in=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    -r|-i) shift 2 ;;
    --encrypt|--decrypt) shift ;;
    *) in="$1"; shift ;;
  esac
done
cat "$in" > "$out"
exit 0
`)

	tool := New(script, nil)

	ciphertext, err := tool.Encrypt(context.Background(),
		[]string{"age1yubikey1qrecipient"}, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), ciphertext)

	pin, err := types.NewPin("654321")
	require.NoError(t, err)
	plain, err := tool.Decrypt(context.Background(),
		"AGE-PLUGIN-YUBIKEY-1TAG0000000000", pin, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)
}

func TestDecryptRejectsRecipientAsIdentity(t *testing.T) {
	tool := New(filepath.Join(t.TempDir(), "never-invoked"), nil)
	_, err := tool.Decrypt(context.Background(),
		"age1yubikey1qrecipient", types.Pin{}, []byte("data"))
	require.Error(t, err)
	assert.True(t, types.IsValidationError(err))
}

func TestEncryptRequiresRecipients(t *testing.T) {
	tool := New(filepath.Join(t.TempDir(), "never-invoked"), nil)
	_, err := tool.Encrypt(context.Background(), nil, []byte("data"))
	assert.True(t, types.IsValidationError(err))
}

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidUUID(t *testing.T) {
	assert.True(t, IsValidUUID("3f2504e0-4f89-41d3-9a0c-0305e82c3301"))
	assert.False(t, IsValidUUID(""))
	assert.False(t, IsValidUUID("3F2504E0-4F89-41D3-9A0C-0305E82C3301"))
	assert.False(t, IsValidUUID("not-a-uuid"))
}

func TestIsValidPairingCode(t *testing.T) {
	assert.True(t, IsValidPairingCode("123456"))
	assert.False(t, IsValidPairingCode("12345"))
	assert.False(t, IsValidPairingCode("12345a"))
	assert.False(t, IsValidPairingCode("ABCD-1234"))
}

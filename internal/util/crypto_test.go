package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	t.Run("generates 64 character hex string", func(t *testing.T) {
		token, err := GenerateToken()
		require.NoError(t, err)
		assert.Len(t, token, 64)
	})

	t.Run("generates unique tokens", func(t *testing.T) {
		token1, _ := GenerateToken()
		token2, _ := GenerateToken()
		assert.NotEqual(t, token1, token2)
	})
}

func TestHashToken(t *testing.T) {
	t.Run("is deterministic and hex", func(t *testing.T) {
		hash := HashToken("device-token")
		assert.Len(t, hash, 64)
		assert.Equal(t, hash, HashToken("device-token"))
		assert.NotEqual(t, hash, HashToken("other-token"))
	})
}

func TestGenerateNumericCode(t *testing.T) {
	t.Run("six digits only", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			code, err := GenerateNumericCode(6)
			require.NoError(t, err)
			assert.Regexp(t, `^[0-9]{6}$`, code)
		}
	})
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)

	assert.True(t, CheckPasswordHash("correct horse", hash))
	assert.False(t, CheckPasswordHash("wrong", hash))
}

func TestMaskCode(t *testing.T) {
	assert.Equal(t, "12****", MaskCode("123456"))
	assert.Equal(t, "******", MaskCode("1"))
}

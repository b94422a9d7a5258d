package service

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/util"
)

func TestPairingIssue(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a six digit code", func(t *testing.T) {
		env := newTestEnv(t)

		pc, err := env.pairing.Issue(ctx, "owner-1")
		require.NoError(t, err)

		assert.Regexp(t, regexp.MustCompile(`^[0-9]{6}$`), pc.Code)
		assert.Equal(t, "owner-1", pc.OwnerID)
		assert.Equal(t, env.clock.Now().Add(15*time.Minute), pc.ExpiresAt)
	})

	t.Run("limits active codes per owner", func(t *testing.T) {
		env := newTestEnv(t)

		for i := 0; i < maxActiveCodesPerOwner; i++ {
			_, err := env.pairing.Issue(ctx, "owner-1")
			require.NoError(t, err)
		}

		_, err := env.pairing.Issue(ctx, "owner-1")
		assert.Equal(t, apperrors.ErrCodeRateLimitExceeded, apperrors.GetCode(err))

		_, err = env.pairing.Issue(ctx, "owner-2")
		assert.NoError(t, err)
	})
}

func TestPairingRedeem(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a device with a working credential", func(t *testing.T) {
		env := newTestEnv(t)
		pc, err := env.pairing.Issue(ctx, "owner-1")
		require.NoError(t, err)

		osInfo := "linux"
		device, token, err := env.pairing.Redeem(ctx, pc.Code, "Office PC", &osInfo)
		require.NoError(t, err)

		assert.Equal(t, "owner-1", device.OwnerID)
		assert.Equal(t, "Office PC", device.Name)
		assert.NotEmpty(t, token)
		assert.Equal(t, util.HashToken(token), device.TokenHash)

		found, err := env.devices.AuthenticateHost(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, device.ID, found.ID)
	})

	t.Run("rejects reuse", func(t *testing.T) {
		env := newTestEnv(t)
		pc, err := env.pairing.Issue(ctx, "owner-1")
		require.NoError(t, err)

		_, _, err = env.pairing.Redeem(ctx, pc.Code, "first", nil)
		require.NoError(t, err)

		_, _, err = env.pairing.Redeem(ctx, pc.Code, "second", nil)
		assert.Equal(t, apperrors.ErrCodePairingUsed, apperrors.GetCode(err))
	})

	t.Run("rejects unknown and malformed codes", func(t *testing.T) {
		env := newTestEnv(t)

		_, _, err := env.pairing.Redeem(ctx, "000000", "pc", nil)
		assert.Equal(t, apperrors.ErrCodeInvalidPairingCode, apperrors.GetCode(err))

		_, _, err = env.pairing.Redeem(ctx, "12ab", "pc", nil)
		assert.Equal(t, apperrors.ErrCodeInvalidPairingCode, apperrors.GetCode(err))
	})

	t.Run("rejects a code after sixteen minutes", func(t *testing.T) {
		env := newTestEnv(t)
		pc, err := env.pairing.Issue(ctx, "owner-1")
		require.NoError(t, err)

		env.clock.Add(16 * time.Minute)

		_, _, err = env.pairing.Redeem(ctx, pc.Code, "pc", nil)
		assert.Equal(t, apperrors.ErrCodePairingExpired, apperrors.GetCode(err))
	})

	t.Run("sweep removes expired codes", func(t *testing.T) {
		env := newTestEnv(t)
		pc, err := env.pairing.Issue(ctx, "owner-1")
		require.NoError(t, err)

		env.clock.Add(16 * time.Minute)
		n, err := env.pairing.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, _, err = env.pairing.Redeem(ctx, pc.Code, "pc", nil)
		assert.Equal(t, apperrors.ErrCodeInvalidPairingCode, apperrors.GetCode(err))
	})

	t.Run("concurrent redemptions have one winner", func(t *testing.T) {
		env := newTestEnv(t)
		pc, err := env.pairing.Issue(ctx, "owner-1")
		require.NoError(t, err)

		const workers = 20
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			rejected []apperrors.ErrorCode
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := env.pairing.Redeem(ctx, pc.Code, "pc", nil)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
					return
				}
				rejected = append(rejected, apperrors.GetCode(err))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		require.Len(t, rejected, workers-1)
		for _, code := range rejected {
			assert.Equal(t, apperrors.ErrCodePairingUsed, code)
		}

		devices, err := env.store.Devices().ListByOwner(ctx, "owner-1")
		require.NoError(t, err)
		assert.Len(t, devices, 1)
	})
}

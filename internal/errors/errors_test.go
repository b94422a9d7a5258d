package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Session not found")
		assert.Equal(t, "NOT_FOUND: Session not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("database connection failed")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "DATABASE_ERROR")
		assert.Contains(t, err.Error(), "Database error")
		assert.Contains(t, err.Error(), "database connection failed")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"sessionId": "s-1"}
		err := InvalidState("Session is not pending").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"Forbidden", func() *AppError { return Forbidden("test") }, ErrCodeForbidden},
		{"InvalidToken", func() *AppError { return InvalidToken("test") }, ErrCodeInvalidToken},
		{"InvalidCredential", InvalidCredential, ErrCodeInvalidCredential},
		{"NotFound", func() *AppError { return NotFound("Device") }, ErrCodeNotFound},
		{"AlreadyExists", func() *AppError { return AlreadyExists("User") }, ErrCodeAlreadyExists},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("x", "out of range") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("deviceId") }, ErrCodeMissingRequired},
		{"InvalidPairingCode", InvalidPairingCode, ErrCodeInvalidPairingCode},
		{"PairingExpired", PairingExpired, ErrCodePairingExpired},
		{"PairingUsed", PairingUsed, ErrCodePairingUsed},
		{"DeviceBusy", DeviceBusy, ErrCodeDeviceBusy},
		{"DeviceOffline", DeviceOffline, ErrCodeDeviceOffline},
		{"InvalidState", func() *AppError { return InvalidState("test") }, ErrCodeInvalidState},
		{"RateLimitExceeded", RateLimitExceeded, ErrCodeRateLimitExceeded},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestClassification(t *testing.T) {
	t.Run("auth errors", func(t *testing.T) {
		assert.True(t, IsAuthError(InvalidCredential()))
		assert.True(t, IsAuthError(PairingExpired()))
		assert.True(t, IsAuthError(PairingUsed()))
		assert.True(t, IsAuthError(fmt.Errorf("redeem: %w", InvalidPairingCode())))
		assert.False(t, IsAuthError(DeviceBusy()))
		assert.False(t, IsAuthError(errors.New("plain")))
	})

	t.Run("state conflicts", func(t *testing.T) {
		assert.True(t, IsStateConflict(DeviceBusy()))
		assert.True(t, IsStateConflict(InvalidState("not pending")))
		assert.True(t, IsStateConflict(NotFound("Session")))
		assert.False(t, IsStateConflict(Unauthorized("x")))
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts wrapped AppError", func(t *testing.T) {
		original := NotFound("Device")
		extracted, ok := AsAppError(fmt.Errorf("lookup: %w", original))
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		extracted, ok := AsAppError(errors.New("standard error"))
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeDeviceBusy, GetCode(DeviceBusy()))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
}

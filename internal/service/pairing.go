package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/deskrelay/relay-server-go/internal/audit"
	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/metrics"
	"github.com/deskrelay/relay-server-go/internal/model"
	"github.com/deskrelay/relay-server-go/internal/repository"
	"github.com/deskrelay/relay-server-go/internal/util"
)

const (
	pairingCodeDigits      = 6
	maxActiveCodesPerOwner = 5
	maxIssueAttempts       = 10
	defaultPairingCodeTTL  = 15 * time.Minute
)

// PairingService issues short-lived single-use codes and trades them for
// device credentials.
type PairingService struct {
	codeRepo repository.PairingCodeRepository
	devices  *DeviceService
	clock    clock.Clock
	ttl      time.Duration
}

func NewPairingService(
	codeRepo repository.PairingCodeRepository,
	devices *DeviceService,
	clk clock.Clock,
	ttl time.Duration,
) *PairingService {
	if ttl <= 0 {
		ttl = defaultPairingCodeTTL
	}
	return &PairingService{
		codeRepo: codeRepo,
		devices:  devices,
		clock:    clk,
		ttl:      ttl,
	}
}

// Issue creates a code for ownerID that is unique among unexpired unused codes.
func (s *PairingService) Issue(ctx context.Context, ownerID string) (*model.PairingCode, error) {
	now := s.clock.Now()

	activeCount, err := s.codeRepo.CountActiveByOwner(ctx, ownerID, now)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if activeCount >= maxActiveCodesPerOwner {
		return nil, apperrors.RateLimitExceeded().
			WithDetails(map[string]any{"maxActiveCodes": maxActiveCodesPerOwner})
	}

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		code, err := util.GenerateNumericCode(pairingCodeDigits)
		if err != nil {
			return nil, fmt.Errorf("generate pairing code: %w", err)
		}

		exists, err := s.codeRepo.ExistsActive(ctx, code, now)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if exists {
			continue
		}

		pc, err := s.codeRepo.Create(ctx, model.CreatePairingCodeParams{
			Code:      code,
			OwnerID:   ownerID,
			ExpiresAt: now.Add(s.ttl),
			CreatedAt: now,
		})
		if errors.Is(err, repository.ErrCodeCollision) {
			continue
		}
		if err != nil {
			return nil, apperrors.Database(err)
		}

		log.Info().
			Str("code", util.MaskCode(code)).
			Str("ownerId", ownerID).
			Time("expiresAt", pc.ExpiresAt).
			Msg("pairing code issued")
		audit.Log(ctx, audit.Event{Type: audit.EventCodeIssue, OwnerID: ownerID})

		return pc, nil
	}

	return nil, apperrors.Internal("Could not allocate a unique pairing code")
}

// Redeem consumes code and creates a device for its owner. Of any number of
// concurrent redemptions of one code, at most one succeeds.
func (s *PairingService) Redeem(ctx context.Context, code, deviceName string, osInfo *string) (*model.Device, string, error) {
	code = strings.TrimSpace(code)
	if !util.IsValidPairingCode(code) {
		s.reject(ctx, code, "malformed")
		return nil, "", apperrors.InvalidPairingCode()
	}

	pc, err := s.codeRepo.FindByCode(ctx, code)
	if err != nil {
		return nil, "", apperrors.Database(err)
	}
	if pc == nil {
		s.reject(ctx, code, "unknown")
		return nil, "", apperrors.InvalidPairingCode()
	}

	now := s.clock.Now()
	if err := classify(pc, now); err != nil {
		s.reject(ctx, code, string(err.Code))
		return nil, "", err
	}

	won, err := s.codeRepo.MarkUsed(ctx, code, strings.TrimSpace(deviceName), now)
	if err != nil {
		return nil, "", apperrors.Database(err)
	}
	if !won {
		// Lost a race; report what the winner left behind.
		latest, err := s.codeRepo.FindByCode(ctx, code)
		if err != nil {
			return nil, "", apperrors.Database(err)
		}
		rejection := apperrors.PairingUsed()
		if latest == nil {
			rejection = apperrors.InvalidPairingCode()
		} else if classified := classify(latest, now); classified != nil {
			rejection = classified
		}
		s.reject(ctx, code, string(rejection.Code))
		return nil, "", rejection
	}

	device, token, err := s.devices.PairNewDevice(ctx, pc.OwnerID, deviceName, osInfo)
	if err != nil {
		return nil, "", err
	}

	metrics.PairingRedemptions.WithLabelValues("success").Inc()
	audit.Log(ctx, audit.Event{Type: audit.EventDevicePaired, OwnerID: pc.OwnerID, DeviceID: device.ID})

	return device, token, nil
}

// Sweep deletes codes that can no longer be redeemed.
func (s *PairingService) Sweep(ctx context.Context) (int64, error) {
	return s.codeRepo.DeleteExpired(ctx, s.clock.Now())
}

func (s *PairingService) reject(ctx context.Context, code, reason string) {
	metrics.PairingRedemptions.WithLabelValues(reason).Inc()
	audit.Log(ctx, audit.Event{
		Type:    audit.EventPairingFailure,
		Details: map[string]any{"code": util.MaskCode(code), "reason": reason},
	})
}

func classify(pc *model.PairingCode, now time.Time) *apperrors.AppError {
	switch {
	case pc.IsUsed():
		return apperrors.PairingUsed()
	case pc.IsExpired(now):
		return apperrors.PairingExpired()
	default:
		return nil
	}
}

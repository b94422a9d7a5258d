package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskrelay/relay-server-go/internal/model"
)

// MemoryStore keeps every record in process memory. It backs single-instance
// deployments without DATABASE_URL and the service tests.
type MemoryStore struct {
	mu       sync.Mutex
	devices  map[string]*model.Device
	sessions map[string]*model.Session
	codes    map[string]*model.PairingCode
	users    map[string]*model.User
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*model.Device),
		sessions: make(map[string]*model.Session),
		codes:    make(map[string]*model.PairingCode),
		users:    make(map[string]*model.User),
		now:      time.Now,
	}
}

func (s *MemoryStore) Devices() DeviceRepository           { return memDevices{s} }
func (s *MemoryStore) Sessions() SessionRepository         { return memSessions{s} }
func (s *MemoryStore) PairingCodes() PairingCodeRepository { return memCodes{s} }
func (s *MemoryStore) Users() UserRepository               { return memUsers{s} }

type memDevices struct{ s *MemoryStore }

func (r memDevices) FindByID(ctx context.Context, id string) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d, ok := r.s.devices[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (r memDevices) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.devices {
		if d.TokenHash == tokenHash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (r memDevices) ListByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Device
	for _, d := range r.s.devices {
		if d.OwnerID == ownerID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memDevices) ListAll(ctx context.Context) ([]model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.Device, 0, len(r.s.devices))
	for _, d := range r.s.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memDevices) Create(ctx context.Context, params model.CreateDeviceParams) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d := &model.Device{
		ID:        uuid.NewString(),
		Name:      params.Name,
		OwnerID:   params.OwnerID,
		TokenHash: params.TokenHash,
		OSInfo:    params.OSInfo,
		Status:    model.DeviceStatusOffline,
		CreatedAt: r.s.now(),
	}
	r.s.devices[d.ID] = d
	cp := *d
	return &cp, nil
}

func (r memDevices) UpdateStatus(ctx context.Context, id string, status model.DeviceStatus, lastSeen time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d, ok := r.s.devices[id]; ok {
		d.Status = status
		d.LastSeen = &lastSeen
	}
	return nil
}

func (r memDevices) Rename(ctx context.Context, id string, name string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d, ok := r.s.devices[id]; ok {
		d.Name = name
	}
	return nil
}

func (r memDevices) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.devices, id)
	return nil
}

func (r memDevices) MarkAllOffline(ctx context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, d := range r.s.devices {
		if d.Status != model.DeviceStatusOffline {
			d.Status = model.DeviceStatusOffline
			n++
		}
	}
	return n, nil
}

type memSessions struct{ s *MemoryStore }

func (r memSessions) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sess, ok := r.s.sessions[id]; ok {
		cp := *sess
		return &cp, nil
	}
	return nil, nil
}

func (r memSessions) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess := &model.Session{
		ID:        params.ID,
		OwnerID:   params.OwnerID,
		DeviceID:  params.DeviceID,
		Status:    model.SessionStatusPending,
		StartedAt: params.StartedAt,
	}
	r.s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (r memSessions) UpdateStatus(ctx context.Context, id string, status model.SessionStatus, endedAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sess, ok := r.s.sessions[id]; ok {
		sess.Status = status
		if endedAt != nil {
			sess.EndedAt = endedAt
		}
	}
	return nil
}

func (r memSessions) EndLive(ctx context.Context, endedAt time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, sess := range r.s.sessions {
		if !sess.Status.IsTerminal() {
			sess.Status = model.SessionStatusEnded
			sess.EndedAt = &endedAt
			n++
		}
	}
	return n, nil
}

type memCodes struct{ s *MemoryStore }

func (r memCodes) FindByCode(ctx context.Context, code string) (*model.PairingCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if pc, ok := r.s.codes[code]; ok {
		cp := *pc
		return &cp, nil
	}
	return nil, nil
}

func (r memCodes) ExistsActive(ctx context.Context, code string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pc, ok := r.s.codes[code]
	return ok && !pc.IsUsed() && !pc.IsExpired(now), nil
}

func (r memCodes) CountActiveByOwner(ctx context.Context, ownerID string, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, pc := range r.s.codes {
		if pc.OwnerID == ownerID && !pc.IsUsed() && !pc.IsExpired(now) {
			count++
		}
	}
	return count, nil
}

func (r memCodes) Create(ctx context.Context, params model.CreatePairingCodeParams) (*model.PairingCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := params.CreatedAt
	if now.IsZero() {
		now = r.s.now()
	}
	if existing, ok := r.s.codes[params.Code]; ok && !existing.IsUsed() && !existing.IsExpired(now) {
		return nil, ErrCodeCollision
	}
	pc := &model.PairingCode{
		Code:      params.Code,
		OwnerID:   params.OwnerID,
		ExpiresAt: params.ExpiresAt,
		CreatedAt: now,
	}
	r.s.codes[pc.Code] = pc
	cp := *pc
	return &cp, nil
}

func (r memCodes) MarkUsed(ctx context.Context, code string, usedBy string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pc, ok := r.s.codes[code]
	if !ok || pc.IsUsed() || pc.IsExpired(now) {
		return false, nil
	}
	pc.UsedAt = &now
	pc.UsedBy = &usedBy
	return true, nil
}

func (r memCodes) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for code, pc := range r.s.codes {
		if pc.IsUsed() || pc.IsExpired(now) {
			delete(r.s.codes, code)
			n++
		}
	}
	return n, nil
}

type memUsers struct{ s *MemoryStore }

func (r memUsers) find(match func(*model.User) bool) *model.User {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if match(u) {
			cp := *u
			return &cp
		}
	}
	return nil
}

func (r memUsers) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.ID == id }), nil
}

func (r memUsers) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.Email == email }), nil
}

func (r memUsers) FindByTokenHash(ctx context.Context, tokenHash string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.TokenHash != nil && *u.TokenHash == tokenHash }), nil
}

func (r memUsers) Create(ctx context.Context, params model.CreateUserParams) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Email == params.Email {
			return nil, ErrDuplicate
		}
	}
	u := &model.User{
		ID:           uuid.NewString(),
		Email:        params.Email,
		PasswordHash: params.PasswordHash,
		CreatedAt:    r.s.now(),
	}
	r.s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (r memUsers) UpdateTokenHash(ctx context.Context, id string, tokenHash string, loginAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u, ok := r.s.users[id]; ok {
		u.TokenHash = &tokenHash
		u.LastLoginAt = &loginAt
	}
	return nil
}

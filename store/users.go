package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"authnyc/idtoken"
)

// UserRecord is the local profile mirrored from provider identity claims.
type UserRecord struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Sub         string    `gorm:"index" json:"sub"`
	Email       string    `gorm:"uniqueIndex;not null" json:"email"`
	Name        string    `json:"name"`
	Nickname    string    `json:"nickname"`
	GivenName   string    `json:"given_name"`
	FamilyName  string    `json:"family_name"`
	PhoneNumber string    `json:"phone_number"`
	AMR         []string  `gorm:"serializer:json" json:"amr"`
	InsertedAt  time.Time `gorm:"not null" json:"inserted_at"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName maps UserRecord to the users table.
func (UserRecord) TableName() string { return "users" }

// ProfileChanges lists the operator-editable profile fields. Nil fields are
// left untouched.
type ProfileChanges struct {
	Name       *string `json:"name,omitempty"`
	Nickname   *string `json:"nickname,omitempty"`
	GivenName  *string `json:"given_name,omitempty"`
	FamilyName *string `json:"family_name,omitempty"`
}

// Empty reports whether no field is set.
func (c ProfileChanges) Empty() bool {
	return c.Name == nil && c.Nickname == nil && c.GivenName == nil && c.FamilyName == nil
}

// UpsertResult tells whether Upsert created or merged the record.
type UpsertResult int

const (
	Inserted UpsertResult = iota + 1
	Merged
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "insert"
	case Merged:
		return "merge"
	default:
		return "unknown"
	}
}

// Users is the user_db store keyed by email.
type Users struct {
	db     *gorm.DB
	logger *slog.Logger
	now    Clock
	locks  *keyedMutex
}

// UsersOption customizes a Users store.
type UsersOption func(*Users)

// WithUsersClock overrides the timestamp source.
func WithUsersClock(c Clock) UsersOption {
	return func(u *Users) { u.now = c }
}

// OpenUsers opens the user database at path.
func OpenUsers(ctx context.Context, path string, logger *slog.Logger, opts ...UsersOption) (*Users, error) {
	db, err := Open(ctx, path, &UserRecord{})
	if err != nil {
		return nil, fmt.Errorf("user store: %w", err)
	}
	return NewUsers(db, logger, opts...), nil
}

// NewUsers wraps an already migrated database handle.
func NewUsers(db *gorm.DB, logger *slog.Logger, opts ...UsersOption) *Users {
	u := &Users{db: db, logger: logger, now: defaultClock, locks: newKeyedMutex()}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Close releases the database handle.
func (u *Users) Close() error { return Close(u.db) }

// FindByEmail returns the record with the exact email or ErrNotFound.
func (u *Users) FindByEmail(ctx context.Context, email string) (*UserRecord, error) {
	var rec UserRecord
	err := u.db.WithContext(ctx).Where("email = ?", email).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		u.logger.Debug("user not found", "email", email)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &rec, nil
}

// Insert creates a new record from claims with a fresh id and timestamps.
func (u *Users) Insert(ctx context.Context, claims idtoken.Claims) (*UserRecord, error) {
	if claims.Email == "" {
		return nil, errors.New("insert user: email required")
	}
	now := u.now()
	rec := &UserRecord{
		ID:         uuid.NewString(),
		InsertedAt: now,
		UpdatedAt:  now,
	}
	applyClaims(rec, claims)

	if err := u.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	u.logger.Info("user inserted", "id", rec.ID, "email", rec.Email)
	return rec, nil
}

// UpsertMerge replaces every claim-derived field of existing with claims,
// keeping id and inserted_at, and bumps updated_at.
func (u *Users) UpsertMerge(ctx context.Context, claims idtoken.Claims, existing *UserRecord) (*UserRecord, error) {
	if existing == nil {
		return nil, errors.New("merge user: existing record required")
	}
	merged := *existing
	applyClaims(&merged, claims)
	merged.UpdatedAt = u.now()

	err := u.db.WithContext(ctx).Model(&UserRecord{}).
		Where("id = ?", existing.ID).
		Select("*").Omit("id", "inserted_at").
		Updates(&merged).Error
	if err != nil {
		return nil, fmt.Errorf("merge user: %w", err)
	}
	u.logger.Info("user merged", "id", merged.ID, "email", merged.Email)
	return &merged, nil
}

// Upsert runs find-then-insert-or-merge for claims.Email. Calls for the same
// email are serialized, and an insert rejected by the unique email index is
// retried as a merge.
func (u *Users) Upsert(ctx context.Context, claims idtoken.Claims) (*UserRecord, UpsertResult, error) {
	if claims.Email == "" {
		return nil, 0, errors.New("upsert user: email required")
	}
	unlock := u.locks.Lock(claims.Email)
	defer unlock()

	existing, err := u.FindByEmail(ctx, claims.Email)
	switch {
	case errors.Is(err, ErrNotFound):
		rec, err := u.Insert(ctx, claims)
		if err == nil {
			return rec, Inserted, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, 0, err
		}
		u.logger.Warn("concurrent insert detected, merging", "email", claims.Email)
		if existing, err = u.FindByEmail(ctx, claims.Email); err != nil {
			return nil, 0, err
		}
	case err != nil:
		return nil, 0, err
	}

	rec, err := u.UpsertMerge(ctx, claims, existing)
	if err != nil {
		return nil, 0, err
	}
	return rec, Merged, nil
}

// UpdateProfile applies operator edits to the record for email.
func (u *Users) UpdateProfile(ctx context.Context, email string, changes ProfileChanges) (*UserRecord, error) {
	unlock := u.locks.Lock(email)
	defer unlock()

	rec, err := u.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if changes.Empty() {
		return rec, nil
	}
	if changes.Name != nil {
		rec.Name = *changes.Name
	}
	if changes.Nickname != nil {
		rec.Nickname = *changes.Nickname
	}
	if changes.GivenName != nil {
		rec.GivenName = *changes.GivenName
	}
	if changes.FamilyName != nil {
		rec.FamilyName = *changes.FamilyName
	}
	rec.UpdatedAt = u.now()

	err = u.db.WithContext(ctx).Model(&UserRecord{}).
		Where("id = ?", rec.ID).
		Select("name", "nickname", "given_name", "family_name", "updated_at").
		Updates(rec).Error
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return rec, nil
}

// Count returns the number of stored records.
func (u *Users) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := u.db.WithContext(ctx).Model(&UserRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func applyClaims(rec *UserRecord, c idtoken.Claims) {
	rec.Sub = c.Subject
	rec.Email = c.Email
	rec.Name = c.Name
	rec.Nickname = c.Nickname
	rec.GivenName = c.GivenName
	rec.FamilyName = c.FamilyName
	rec.PhoneNumber = c.PhoneNumber
	rec.AMR = append([]string{}, c.AMR...)
}

// keyedMutex hands out one mutex per key and drops it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

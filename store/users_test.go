package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authnyc/idtoken"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func newTestUsers(t *testing.T) *Users {
	t.Helper()
	clock := &stepClock{cur: time.Date(2024, 7, 2, 10, 0, 0, 0, time.UTC)}
	users, err := OpenUsers(context.Background(), filepath.Join(t.TempDir(), "user_store.db"), testLogger(), WithUsersClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = users.Close() })
	return users
}

func adaClaims() idtoken.Claims {
	return idtoken.Claims{
		Subject:    "auth0|ada",
		Name:       "Ada Lovelace",
		Nickname:   "ada",
		GivenName:  "Ada",
		FamilyName: "Lovelace",
		Email:      "ada@example.com",
		AMR:        []string{"pwd"},
	}
}

func TestFindByEmailNotFound(t *testing.T) {
	users := newTestUsers(t)
	_, err := users.FindByEmail(context.Background(), "nobody@example.com")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestInsertAssignsIdentity(t *testing.T) {
	users := newTestUsers(t)
	ctx := context.Background()

	rec, err := users.Insert(ctx, adaClaims())
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.True(t, rec.InsertedAt.Equal(rec.UpdatedAt))

	found, err := users.FindByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	require.Equal(t, rec.ID, found.ID)
	require.Equal(t, "auth0|ada", found.Sub)
	require.Equal(t, []string{"pwd"}, found.AMR)
}

func TestUpsertMergeRefreshesClaims(t *testing.T) {
	users := newTestUsers(t)
	ctx := context.Background()

	first, err := users.Insert(ctx, adaClaims())
	require.NoError(t, err)

	next := adaClaims()
	next.Name = "Augusta Ada King"
	next.PhoneNumber = "+15550100"
	next.AMR = []string{"pwd", "mfa"}

	merged, err := users.UpsertMerge(ctx, next, first)
	require.NoError(t, err)
	require.Equal(t, "Augusta Ada King", merged.Name)
	require.Equal(t, first.ID, merged.ID)
	require.True(t, merged.InsertedAt.Equal(first.InsertedAt))
	require.True(t, merged.UpdatedAt.After(first.UpdatedAt))

	stored, err := users.FindByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	require.Equal(t, "Augusta Ada King", stored.Name)
	require.Equal(t, "+15550100", stored.PhoneNumber)
	require.Equal(t, []string{"pwd", "mfa"}, stored.AMR)
	require.Equal(t, first.ID, stored.ID)
	require.True(t, stored.InsertedAt.Equal(first.InsertedAt))
	require.True(t, stored.UpdatedAt.After(first.UpdatedAt))
}

func TestUpsertMergeClearsDroppedClaims(t *testing.T) {
	users := newTestUsers(t)
	ctx := context.Background()

	first, err := users.Insert(ctx, adaClaims())
	require.NoError(t, err)

	_, err = users.UpsertMerge(ctx, idtoken.Claims{Email: "ada@example.com", Subject: "auth0|ada"}, first)
	require.NoError(t, err)

	stored, err := users.FindByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	require.Empty(t, stored.Name)
	require.Empty(t, stored.Nickname)
	require.Empty(t, stored.AMR)
}

func TestUpsertKeepsOneRecordPerEmail(t *testing.T) {
	users := newTestUsers(t)
	ctx := context.Background()

	first, res, err := users.Upsert(ctx, adaClaims())
	require.NoError(t, err)
	require.Equal(t, Inserted, res)

	for i := 0; i < 3; i++ {
		claims := adaClaims()
		claims.Nickname = "ada-" + string(rune('a'+i))
		rec, res, err := users.Upsert(ctx, claims)
		require.NoError(t, err)
		require.Equal(t, Merged, res)
		require.Equal(t, first.ID, rec.ID)
		require.True(t, rec.InsertedAt.Equal(first.InsertedAt))
	}

	n, err := users.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestUpsertConcurrentFirstLogins(t *testing.T) {
	users := newTestUsers(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := users.Upsert(ctx, adaClaims())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := users.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestInsertDuplicateEmailIsRejected(t *testing.T) {
	users := newTestUsers(t)
	ctx := context.Background()

	_, err := users.Insert(ctx, adaClaims())
	require.NoError(t, err)
	_, err = users.Insert(ctx, adaClaims())
	require.Error(t, err)
}

func TestUpsertRequiresEmail(t *testing.T) {
	users := newTestUsers(t)
	_, _, err := users.Upsert(context.Background(), idtoken.Claims{Subject: "x"})
	require.Error(t, err)

	n, err := users.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestUpdateProfileAppliesOnlySetFields(t *testing.T) {
	users := newTestUsers(t)
	ctx := context.Background()

	first, err := users.Insert(ctx, adaClaims())
	require.NoError(t, err)

	nick := "countess"
	rec, err := users.UpdateProfile(ctx, "ada@example.com", ProfileChanges{Nickname: &nick})
	require.NoError(t, err)
	require.Equal(t, "countess", rec.Nickname)
	require.Equal(t, "Ada Lovelace", rec.Name)
	require.Equal(t, first.ID, rec.ID)
	require.True(t, rec.UpdatedAt.After(first.UpdatedAt))

	_, err = users.UpdateProfile(ctx, "missing@example.com", ProfileChanges{Nickname: &nick})
	require.True(t, errors.Is(err, ErrNotFound))
}

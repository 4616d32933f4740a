package session

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukerupert/warden/internal/database"
	"github.com/dukerupert/warden/internal/model"
	"github.com/dukerupert/warden/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type recordingNotifier struct {
	userID int64
	ids    []string
}

func (n *recordingNotifier) SessionsRevoked(userID int64, ids []string) {
	n.userID = userID
	n.ids = append(n.ids, ids...)
}

var dev = model.Device{Label: "Phone", OriginAddress: "198.51.100.4", UserAgent: "Safari"}

func setupRegistry(t *testing.T) (*Registry, *fakeClock, *sql.DB, int64) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	u, err := store.NewUserStore(db).Create("alice@example.com", "Alice", "pw")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	clock := &fakeClock{t: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(db, Config{TTL: 24 * time.Hour, Now: clock.Now}, slog.Default())
	return r, clock, db, u.ID
}

func TestIssueAndAuthenticate(t *testing.T) {
	r, _, _, userID := setupRegistry(t)
	ctx := context.Background()

	sess, token, err := r.Issue(ctx, userID, dev, model.AuthPassword)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := r.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != sess.ID || got.UserID != userID {
		t.Errorf("session = %+v, want id %s user %d", got, sess.ID, userID)
	}
	if got.AuthMethod != model.AuthPassword {
		t.Errorf("auth method = %q, want %q", got.AuthMethod, model.AuthPassword)
	}
}

func TestAuthenticateUnknownToken(t *testing.T) {
	r, _, _, _ := setupRegistry(t)

	if _, err := r.Authenticate(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := r.Authenticate(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAuthenticateExpired(t *testing.T) {
	r, clock, _, userID := setupRegistry(t)
	ctx := context.Background()

	_, token, _ := r.Issue(ctx, userID, dev, model.AuthPassword)
	clock.t = clock.t.Add(24 * time.Hour)

	if _, err := r.Authenticate(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAuthenticateTouchesLastActive(t *testing.T) {
	r, clock, _, userID := setupRegistry(t)
	ctx := context.Background()

	_, token, _ := r.Issue(ctx, userID, dev, model.AuthPassword)
	clock.t = clock.t.Add(5 * time.Minute)

	sess, err := r.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !sess.LastActiveAt.Equal(clock.t) {
		t.Errorf("last_active_at = %v, want %v", sess.LastActiveAt, clock.t)
	}
}

func TestRevokeTakesEffectImmediately(t *testing.T) {
	r, _, _, userID := setupRegistry(t)
	ctx := context.Background()

	sess, token, _ := r.Issue(ctx, userID, dev, model.AuthPassword)
	if _, err := r.Authenticate(ctx, token); err != nil {
		t.Fatalf("authenticate before revoke: %v", err)
	}

	if err := r.Revoke(ctx, userID, sess.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := r.Authenticate(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Errorf("authenticate after revoke err = %v, want ErrNotFound", err)
	}
}

func TestRevokeAlreadyGone(t *testing.T) {
	r, _, _, userID := setupRegistry(t)
	ctx := context.Background()

	sess, _, _ := r.Issue(ctx, userID, dev, model.AuthPassword)
	r.Revoke(ctx, userID, sess.ID)

	if err := r.Revoke(ctx, userID, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRevokeOtherUsersSession(t *testing.T) {
	r, _, db, userID := setupRegistry(t)
	ctx := context.Background()

	bob, _ := store.NewUserStore(db).Create("bob@example.com", "Bob", "pw")
	sess, token, _ := r.Issue(ctx, userID, dev, model.AuthPassword)

	if err := r.Revoke(ctx, bob.ID, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := r.Authenticate(ctx, token); err != nil {
		t.Errorf("alice's session should survive: %v", err)
	}
}

func TestRevokeAllOthersKeepsCaller(t *testing.T) {
	r, _, _, userID := setupRegistry(t)
	ctx := context.Background()

	current, currentToken, _ := r.Issue(ctx, userID, dev, model.AuthPassword)
	_, otherToken, _ := r.Issue(ctx, userID, dev, model.AuthPassword)
	r.Issue(ctx, userID, dev, model.AuthMFA)

	n, err := r.RevokeAllOthers(ctx, userID, current.ID)
	if err != nil {
		t.Fatalf("revoke all others: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}

	sessions, err := r.List(ctx, userID, current.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) < 1 {
		t.Fatal("caller's session must survive")
	}
	found := false
	for _, s := range sessions {
		if s.ID == current.ID {
			found = true
		}
	}
	if !found {
		t.Error("remaining sessions do not include the caller's session")
	}

	if _, err := r.Authenticate(ctx, currentToken); err != nil {
		t.Errorf("caller should stay logged in: %v", err)
	}
	if _, err := r.Authenticate(ctx, otherToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("other session err = %v, want ErrNotFound", err)
	}
}

func TestRevokeAllOthersRequiresCurrent(t *testing.T) {
	r, _, _, userID := setupRegistry(t)
	ctx := context.Background()
	r.Issue(ctx, userID, dev, model.AuthPassword)

	if _, err := r.RevokeAllOthers(ctx, userID, ""); !errors.Is(err, ErrNoCurrentSession) {
		t.Errorf("err = %v, want ErrNoCurrentSession", err)
	}
	sessions, _ := r.List(ctx, userID, "")
	if len(sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(sessions))
	}
}

func TestRevokeAll(t *testing.T) {
	r, _, _, userID := setupRegistry(t)
	ctx := context.Background()

	r.Issue(ctx, userID, dev, model.AuthPassword)
	r.Issue(ctx, userID, dev, model.AuthPassword)

	n, err := r.RevokeAll(ctx, userID)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}
}

func TestListMarksCurrent(t *testing.T) {
	r, clock, _, userID := setupRegistry(t)
	ctx := context.Background()

	a, _, _ := r.Issue(ctx, userID, dev, model.AuthPassword)
	clock.t = clock.t.Add(time.Minute)
	b, _, _ := r.Issue(ctx, userID, dev, model.AuthPassword)

	sessions, err := r.List(ctx, userID, a.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	for _, s := range sessions {
		if s.IsCurrent != (s.ID == a.ID) {
			t.Errorf("session %s is_current = %v", s.ID, s.IsCurrent)
		}
	}
	if sessions[0].ID != b.ID {
		t.Errorf("first session = %s, want most recent %s", sessions[0].ID, b.ID)
	}
}

func TestListEmpty(t *testing.T) {
	r, _, _, userID := setupRegistry(t)

	sessions, err := r.List(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if sessions == nil || len(sessions) != 0 {
		t.Errorf("sessions = %v, want empty non-nil slice", sessions)
	}
}

func TestNotifierReceivesRevocations(t *testing.T) {
	r, _, _, userID := setupRegistry(t)
	ctx := context.Background()
	n := &recordingNotifier{}
	r.SetNotifier(n)

	a, _, _ := r.Issue(ctx, userID, dev, model.AuthPassword)
	b, _, _ := r.Issue(ctx, userID, dev, model.AuthPassword)

	r.Revoke(ctx, userID, b.ID)
	if n.userID != userID || len(n.ids) != 1 || n.ids[0] != b.ID {
		t.Errorf("notifier got user %d ids %v, want %d [%s]", n.userID, n.ids, userID, b.ID)
	}

	r.RevokeAllOthers(ctx, userID, a.ID)
	if len(n.ids) != 1 {
		t.Errorf("no other sessions existed, notifier ids = %v", n.ids)
	}
}

func TestIssueTxRollsBack(t *testing.T) {
	r, _, db, userID := setupRegistry(t)
	ctx := context.Background()

	var token string
	err := store.RunInTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		_, token, err = r.IssueTx(ctx, tx, userID, dev, model.AuthMFAEnroll)
		if err != nil {
			return err
		}
		return errors.New("later step failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := r.Authenticate(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled back session err = %v, want ErrNotFound", err)
	}
}

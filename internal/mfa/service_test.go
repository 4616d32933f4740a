package mfa

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/warden/internal/database"
	"github.com/dukerupert/warden/internal/model"
	"github.com/dukerupert/warden/internal/secretbox"
	"github.com/dukerupert/warden/internal/session"
	"github.com/dukerupert/warden/internal/store"
	"github.com/dukerupert/warden/internal/totp"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

const testPassword = "correct horse"

var testDevice = model.Device{Label: "Laptop", OriginAddress: "203.0.113.7", UserAgent: "Firefox"}

type harness struct {
	svc      *Service
	db       *sql.DB
	clock    *fakeClock
	sessions *session.Registry
	user     *model.User
}

func setup(t *testing.T) *harness {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	box, err := secretbox.NewWithKey(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	u, err := store.NewUserStore(db).Create("alice@example.com", "Alice", testPassword)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	clock := &fakeClock{t: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	logger := slog.Default()
	sessions := session.NewRegistry(db, session.Config{TTL: 24 * time.Hour, Now: clock.Now}, logger)
	svc := NewService(db, box, sessions, Config{Issuer: "Warden", Skew: totp.DefaultSkew, Now: clock.Now}, logger)
	return &harness{svc: svc, db: db, clock: clock, sessions: sessions, user: u}
}

func (h *harness) code(t *testing.T, secret string) string {
	t.Helper()
	c, err := totp.GenerateCode(secret, h.clock.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	return c
}

// wrongCode returns a six-digit code that differs from the current one.
func (h *harness) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	n, _ := strconv.Atoi(h.code(t, secret))
	return fmt.Sprintf("%06d", (n+500000)%1000000)
}

// enable runs the settings enrollment to completion and moves the clock to
// the next step so the activation code is not reused by the test.
func (h *harness) enable(t *testing.T) (*Provisioning, *Activation) {
	t.Helper()
	ctx := context.Background()
	prov, err := h.svc.BeginEnrollment(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("begin enrollment: %v", err)
	}
	act, err := h.svc.VerifyAndEnable(ctx, h.user.ID, h.code(t, prov.Secret))
	if err != nil {
		t.Fatalf("verify and enable: %v", err)
	}
	h.clock.Advance(totp.Period * time.Second)
	return prov, act
}

func TestBeginEnrollment(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	prov, err := h.svc.BeginEnrollment(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("begin enrollment: %v", err)
	}
	if prov.Secret == "" {
		t.Error("secret is empty")
	}
	if !strings.HasPrefix(prov.URI, "otpauth://totp/") || !strings.Contains(prov.URI, "issuer=Warden") {
		t.Errorf("uri = %q, want otpauth uri with issuer", prov.URI)
	}
	if want := h.clock.Now().Add(15 * time.Minute); !prov.ExpiresAt.Equal(want) {
		t.Errorf("expires at = %v, want %v", prov.ExpiresAt, want)
	}

	st, err := h.svc.State(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st != StateVerify {
		t.Errorf("state = %s, want %s", st, StateVerify)
	}
}

func TestBeginEnrollmentUnknownUser(t *testing.T) {
	h := setup(t)
	if _, err := h.svc.BeginEnrollment(context.Background(), 9999); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("err = %v, want ErrUnknownUser", err)
	}
}

func TestBeginEnrollmentTwiceReplacesSecret(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	first, err := h.svc.BeginEnrollment(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("first begin: %v", err)
	}
	second, err := h.svc.BeginEnrollment(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if first.Secret == second.Secret {
		t.Fatal("second begin reused the first secret")
	}

	if _, err := h.svc.VerifyAndEnable(ctx, h.user.ID, h.code(t, first.Secret)); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("first secret err = %v, want ErrInvalidCode", err)
	}
	if _, err := h.svc.VerifyAndEnable(ctx, h.user.ID, h.code(t, second.Secret)); err != nil {
		t.Errorf("second secret: %v", err)
	}
}

func TestVerifyAndEnableSkew(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"current step", 0, true},
		{"one step behind", -30 * time.Second, true},
		{"one step ahead", 30 * time.Second, true},
		{"two steps behind", -60 * time.Second, false},
		{"two steps ahead", 60 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			prov, err := h.svc.BeginEnrollment(ctx, h.user.ID)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			code, err := totp.GenerateCode(prov.Secret, h.clock.Now().Add(tt.offset))
			if err != nil {
				t.Fatalf("generate code: %v", err)
			}

			_, err = h.svc.VerifyAndEnable(ctx, h.user.ID, code)
			if tt.ok && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidCode) {
				t.Errorf("err = %v, want ErrInvalidCode", err)
			}
		})
	}
}

func TestVerifyAndEnableExpired(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	prov, err := h.svc.BeginEnrollment(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.clock.Advance(15 * time.Minute)

	// A code that is correct for the current time still loses to expiry.
	_, err = h.svc.VerifyAndEnable(ctx, h.user.ID, h.code(t, prov.Secret))
	if !errors.Is(err, ErrEnrollmentNotFound) {
		t.Errorf("err = %v, want ErrEnrollmentNotFound", err)
	}

	st, err := h.svc.Status(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Enabled || st.State != StateIdle {
		t.Errorf("status = %+v, want idle and not enabled", st)
	}
}

func TestVerifyWithoutPending(t *testing.T) {
	h := setup(t)
	if _, err := h.svc.VerifyAndEnable(context.Background(), h.user.ID, "123456"); !errors.Is(err, ErrEnrollmentNotFound) {
		t.Errorf("err = %v, want ErrEnrollmentNotFound", err)
	}
}

func TestVerifyWrongCodeKeepsPending(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	prov, err := h.svc.BeginEnrollment(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := h.svc.VerifyAndEnable(ctx, h.user.ID, h.wrongCode(t, prov.Secret)); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
	if _, err := h.svc.VerifyAndEnable(ctx, h.user.ID, "abc"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("malformed err = %v, want ErrInvalidCode", err)
	}

	act, err := h.svc.VerifyAndEnable(ctx, h.user.ID, h.code(t, prov.Secret))
	if err != nil {
		t.Fatalf("verify after wrong code: %v", err)
	}
	if !act.ActivatedAt.Equal(h.clock.Now()) {
		t.Errorf("activated at = %v, want %v", act.ActivatedAt, h.clock.Now())
	}
}

func TestActivationIssuesBackupCodes(t *testing.T) {
	h := setup(t)
	_, act := h.enable(t)

	if len(act.BackupCodes) != 10 {
		t.Fatalf("backup codes = %d, want 10", len(act.BackupCodes))
	}
	seen := map[string]bool{}
	for _, c := range act.BackupCodes {
		if !IsBackupCode(c) {
			t.Errorf("code %q is not a backup code", c)
		}
		if seen[c] {
			t.Errorf("duplicate code %q", c)
		}
		seen[c] = true
	}

	st, err := h.svc.Status(context.Background(), h.user.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Enabled || st.State != StateEnabled || st.BackupCodesRemaining != 10 {
		t.Errorf("status = %+v, want enabled with 10 codes", st)
	}
	if st.PendingExpiresAt != nil {
		t.Error("pending enrollment survived activation")
	}
}

func TestDoubleEnableKeepsSecondSecret(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	firstProv, firstAct := h.enable(t)
	secondProv, secondAct := h.enable(t)

	e, err := h.svc.enrollments.GetByUserID(h.user.ID)
	if err != nil {
		t.Fatalf("get enrollment: %v", err)
	}
	if e.Secret != secondProv.Secret {
		t.Errorf("enrollment secret is not the second one")
	}
	if e.Secret == firstProv.Secret {
		t.Errorf("enrollment still holds the first secret")
	}

	if err := h.svc.RedeemBackupCode(ctx, h.user.ID, firstAct.BackupCodes[0]); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("first batch code err = %v, want ErrInvalidCode", err)
	}
	if err := h.svc.RedeemBackupCode(ctx, h.user.ID, secondAct.BackupCodes[0]); err != nil {
		t.Errorf("second batch code: %v", err)
	}
}

func TestRedeemBackupCode(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	_, act := h.enable(t)
	code := act.BackupCodes[0]

	if err := h.svc.RedeemBackupCode(ctx, h.user.ID, code); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if err := h.svc.RedeemBackupCode(ctx, h.user.ID, code); !errors.Is(err, ErrBackupCodeAlreadyUsed) {
		t.Errorf("second redeem err = %v, want ErrBackupCodeAlreadyUsed", err)
	}
	if err := h.svc.RedeemBackupCode(ctx, h.user.ID, "zzzzz-zzzzz"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("unknown code err = %v, want ErrInvalidCode", err)
	}
	if err := h.svc.RedeemBackupCode(ctx, h.user.ID, "not a code"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("malformed code err = %v, want ErrInvalidCode", err)
	}

	// Case, dashes and spaces do not matter.
	loose := strings.ToUpper(strings.Replace(act.BackupCodes[1], "-", " ", 1))
	if err := h.svc.RedeemBackupCode(ctx, h.user.ID, loose); err != nil {
		t.Errorf("redeem %q: %v", loose, err)
	}

	st, err := h.svc.Status(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.BackupCodesRemaining != 8 {
		t.Errorf("remaining = %d, want 8", st.BackupCodesRemaining)
	}
}

func TestRedeemBackupCodeBelongsToUser(t *testing.T) {
	h := setup(t)
	_, act := h.enable(t)

	other, err := store.NewUserStore(h.db).Create("bob@example.com", "Bob", "pw")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := h.svc.RedeemBackupCode(context.Background(), other.ID, act.BackupCodes[0]); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("err = %v, want ErrInvalidCode", err)
	}
}

func TestDisable(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	_, act := h.enable(t)

	sess, _, err := h.sessions.Issue(ctx, h.user.ID, testDevice, model.AuthMFA)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	if err := h.svc.Disable(ctx, h.user.ID, sess, "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong password err = %v, want ErrUnauthorized", err)
	}
	if err := h.svc.Disable(ctx, h.user.ID, sess, testPassword); err != nil {
		t.Fatalf("disable: %v", err)
	}

	st, err := h.svc.Status(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Enabled || st.State != StateIdle || st.BackupCodesRemaining != 0 {
		t.Errorf("status = %+v, want idle", st)
	}
	if err := h.svc.RedeemBackupCode(ctx, h.user.ID, act.BackupCodes[0]); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("old backup code err = %v, want ErrInvalidCode", err)
	}
	if err := h.svc.Disable(ctx, h.user.ID, sess, testPassword); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("second disable err = %v, want ErrNotEnrolled", err)
	}
}

func TestDisableClearsPendingRotation(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.enable(t)

	if _, err := h.svc.BeginEnrollment(ctx, h.user.ID); err != nil {
		t.Fatalf("begin rotation: %v", err)
	}
	sess, _, err := h.sessions.Issue(ctx, h.user.ID, testDevice, model.AuthMFA)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if err := h.svc.Disable(ctx, h.user.ID, sess, testPassword); err != nil {
		t.Fatalf("disable: %v", err)
	}
	st, err := h.svc.State(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st != StateIdle {
		t.Errorf("state = %s, want idle", st)
	}
}

func TestDisableWithLoginLinkSession(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.enable(t)

	sess, _, err := h.sessions.Issue(ctx, h.user.ID, testDevice, model.AuthLoginLink)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if err := h.svc.Disable(ctx, h.user.ID, sess, ""); err != nil {
		t.Errorf("disable from login link session: %v", err)
	}
}

func TestDisableRejectsForeignSession(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.enable(t)

	other, err := store.NewUserStore(h.db).Create("bob@example.com", "Bob", "pw")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	sess, _, err := h.sessions.Issue(ctx, other.ID, testDevice, model.AuthLoginLink)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if err := h.svc.Disable(ctx, h.user.ID, sess, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestCancelEnrollment(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	prov, err := h.svc.BeginEnrollment(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := h.svc.CancelEnrollment(ctx, h.user.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.svc.VerifyAndEnable(ctx, h.user.ID, h.code(t, prov.Secret)); !errors.Is(err, ErrEnrollmentNotFound) {
		t.Errorf("err = %v, want ErrEnrollmentNotFound", err)
	}
}

func TestPendingQRCode(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	if _, err := h.svc.PendingQRCode(ctx, h.user.ID, 200); !errors.Is(err, ErrEnrollmentNotFound) {
		t.Fatalf("err = %v, want ErrEnrollmentNotFound", err)
	}
	if _, err := h.svc.BeginEnrollment(ctx, h.user.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	png, err := h.svc.PendingQRCode(ctx, h.user.ID, 200)
	if err != nil {
		t.Fatalf("qr code: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("qr code is not a png")
	}
}

func TestSweep(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	if _, err := h.svc.BeginEnrollment(ctx, h.user.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, _, err := h.sessions.Issue(ctx, h.user.ID, testDevice, model.AuthPassword); err != nil {
		t.Fatalf("issue session: %v", err)
	}
	h.clock.Advance(48 * time.Hour)

	if err := h.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var n int
	for _, table := range []string{"pending_enrollments", "sessions"} {
		if err := h.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s rows = %d, want 0", table, n)
		}
	}
}

type recordingMailer struct {
	sent []string
	err  error
}

func (m *recordingMailer) SendSecurityNotice(ctx context.Context, to, notice string) error {
	m.sent = append(m.sent, to+" "+notice)
	return m.err
}

type changeCounter map[int64]int

func (c changeCounter) MFAChanged(userID int64) { c[userID]++ }

func TestSecurityNotices(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	mailer := &recordingMailer{}
	h.svc.SetMailer(mailer)
	changes := changeCounter{}
	h.svc.SetChangeNotifier(changes)

	prov, err := h.svc.BeginEnrollment(ctx, h.user.ID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := h.svc.VerifyAndEnable(ctx, h.user.ID, h.wrongCode(t, prov.Secret)); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
	if len(mailer.sent) != 0 {
		t.Fatalf("notice sent for a failed verification: %v", mailer.sent)
	}
	if _, err := h.svc.VerifyAndEnable(ctx, h.user.ID, h.code(t, prov.Secret)); err != nil {
		t.Fatalf("enable: %v", err)
	}

	sess, _, err := h.sessions.Issue(ctx, h.user.ID, testDevice, model.AuthPassword)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	// A failing mailer must not undo the change.
	mailer.err = errors.New("postmark down")
	if err := h.svc.Disable(ctx, h.user.ID, sess, testPassword); err != nil {
		t.Fatalf("disable: %v", err)
	}

	want := []string{"alice@example.com mfa_enabled", "alice@example.com mfa_disabled"}
	if strings.Join(mailer.sent, ",") != strings.Join(want, ",") {
		t.Errorf("sent = %v, want %v", mailer.sent, want)
	}
	if changes[h.user.ID] != 2 {
		t.Errorf("changes = %d, want 2", changes[h.user.ID])
	}
}

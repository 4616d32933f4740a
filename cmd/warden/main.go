package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dukerupert/warden/internal/backup"
	"github.com/dukerupert/warden/internal/config"
	"github.com/dukerupert/warden/internal/database"
	"github.com/dukerupert/warden/internal/email"
	"github.com/dukerupert/warden/internal/logging"
	"github.com/dukerupert/warden/internal/mfa"
	"github.com/dukerupert/warden/internal/secretbox"
	"github.com/dukerupert/warden/internal/server"
	"github.com/dukerupert/warden/internal/store"
)

const usage = `usage: warden [command]

commands:
  serve                                   run the HTTP service (default)
  create-user [-mfa-required] email name  create a user; password is read from stdin
  require-mfa [-off] email                require (or stop requiring) MFA at login
  issue-link [-send] email                print (or email) a one-time login code
  backup                                  upload an encrypted database snapshot now
  backups                                 list uploaded snapshots
  restore key path                        download a snapshot into a new file
`

func main() {
	cmd, args := "serve", []string(nil)
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}
	switch cmd {
	case "serve", "create-user", "require-mfa", "issue-link", "backup", "backups", "restore":
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	switch cmd {
	case "serve":
		err = serve(cfg, logger)
	case "create-user":
		err = createUser(cfg, args)
	case "require-mfa":
		err = requireMFA(cfg, args)
	case "issue-link":
		err = issueLink(cfg, logger, args)
	case "backup", "backups", "restore":
		err = runBackup(cfg, logger, cmd, args)
	}
	if err != nil {
		slog.Error(cmd, "error", err)
		os.Exit(1)
	}
}

func newServer(db *sql.DB, cfg *config.Config, logger *slog.Logger) (*server.Server, error) {
	box, err := secretbox.New(cfg.SecretKey, []byte(cfg.SecretSalt))
	if err != nil {
		return nil, fmt.Errorf("init secretbox: %w", err)
	}

	srv := server.New(db, box, server.Config{
		MFA: mfa.Config{
			Issuer:          cfg.Issuer,
			PendingTTL:      cfg.PendingTTL,
			TicketTTL:       cfg.TicketTTL,
			BackupCodeCount: cfg.BackupCodeCount,
			Skew:            cfg.TOTPSkew,
		},
		SessionTTL:    cfg.SessionTTL,
		TrustProxy:    cfg.TrustProxy,
		SecureCookies: cfg.SecureCookies,
	}, logger)
	if mailer := newMailer(cfg); mailer.Configured() {
		srv.MFAService().SetMailer(mailer)
	}
	return srv, nil
}

func newMailer(cfg *config.Config) *email.Client {
	return email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.Issuer)
}

func backupConfig(cfg *config.Config) backup.Config {
	return backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		},
		Passphrase: cfg.BackupPassphrase,
		Retention:  cfg.BackupRetention,
	}
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	srv, err := newServer(db, cfg, logger)
	if err != nil {
		return err
	}

	// Scheduled backups are optional
	if cfg.BackupInterval > 0 {
		mgr, err := backup.NewManager(backupConfig(cfg), db, logger.With("component", "backup"))
		if err != nil {
			return err
		}
		mgr.Start(context.Background(), cfg.BackupInterval)
		defer mgr.Stop()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := srv.MFAService().Sweep(cleanupCtx); err != nil {
					slog.Error("cleanup expired records", "error", err)
				}
				srv.RateLimiter().Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("warden starting", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func createUser(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	required := fs.Bool("mfa-required", false, "require MFA before the user can sign in")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("create-user needs an email and a name")
	}

	fmt.Fprint(os.Stderr, "password: ")
	password, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && password == "" {
		return fmt.Errorf("read password: %w", err)
	}
	password = strings.TrimRight(password, "\r\n")
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	users := store.NewUserStore(db)
	u, err := users.Create(strings.ToLower(strings.TrimSpace(fs.Arg(0))), fs.Arg(1), password)
	if err != nil {
		return err
	}
	if *required {
		if err := users.SetMFARequired(u.ID, true); err != nil {
			return err
		}
	}
	fmt.Printf("created user %d <%s>\n", u.ID, u.Email)
	return nil
}

func requireMFA(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("require-mfa", flag.ContinueOnError)
	off := fs.Bool("off", false, "stop requiring MFA")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("require-mfa needs an email")
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	users := store.NewUserStore(db)
	u, err := users.GetByEmail(strings.ToLower(strings.TrimSpace(fs.Arg(0))))
	if err != nil {
		return err
	}
	if u == nil {
		return mfa.ErrUnknownUser
	}
	if err := users.SetMFARequired(u.ID, !*off); err != nil {
		return err
	}
	fmt.Printf("mfa required for %s: %t\n", u.Email, !*off)
	return nil
}

func issueLink(cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("issue-link", flag.ContinueOnError)
	send := fs.Bool("send", false, "email the code instead of printing it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("issue-link needs an email")
	}
	mailer := newMailer(cfg)
	if *send && !mailer.Configured() {
		return errors.New("-send needs WARDEN_POSTMARK_TOKEN and WARDEN_FROM_EMAIL")
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	srv, err := newServer(db, cfg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	link, err := srv.MFAService().IssueLoginLink(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if *send {
		if err := mailer.SendLoginCode(ctx, link.Email, link.Token, link.ExpiresAt); err != nil {
			return err
		}
		fmt.Printf("login code sent to %s\n", link.Email)
		return nil
	}
	fmt.Printf("login code for %s: %s (expires %s)\n", link.Email, link.Token, link.ExpiresAt.Local().Format(time.Kitchen))
	return nil
}

func runBackup(cfg *config.Config, logger *slog.Logger, cmd string, args []string) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	mgr, err := backup.NewManager(backupConfig(cfg), db, logger.With("component", "backup"))
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch cmd {
	case "backup":
		obj, err := mgr.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("uploaded %s (%d bytes)\n", obj.Key, obj.Size)
		n, err := mgr.Prune(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			fmt.Printf("pruned %d old snapshots\n", n)
		}
	case "backups":
		objects, err := mgr.List(ctx)
		if err != nil {
			return err
		}
		for _, o := range objects {
			fmt.Printf("%s\t%d\t%s\n", o.Key, o.Size, o.CreatedAt.Format(time.RFC3339))
		}
	case "restore":
		if len(args) != 2 {
			return errors.New("restore needs a key and a destination path")
		}
		if err := mgr.Restore(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("restored %s to %s; stop the service and replace %s to use it\n", args[0], args[1], cfg.DBPath)
	}
	return nil
}

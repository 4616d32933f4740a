// Package backup uploads encrypted snapshots of the warden database to
// S3-compatible storage and restores them.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/warden/internal/metrics"
)

// objectStore is the subset of the S3 API used here, an interface for testability.
type objectStore interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) Configured() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Config holds backup manager configuration.
type Config struct {
	S3         S3Config
	Prefix     string
	Passphrase string
	Retention  time.Duration
	Now        func() time.Time
}

var ErrNotConfigured = errors.New("backup not configured: S3 credentials or passphrase missing")

// Object describes one uploaded snapshot.
type Object struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager takes snapshots of db and keeps them in a bucket.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	db     *sql.DB
	client objectStore
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager returns ErrNotConfigured unless a bucket, credentials and a
// passphrase are all set.
func NewManager(cfg Config, db *sql.DB, logger *slog.Logger) (*Manager, error) {
	if !cfg.S3.Configured() || cfg.Passphrase == "" {
		return nil, ErrNotConfigured
	}
	return newManager(cfg, db, newS3Client(cfg.S3), logger), nil
}

func newManager(cfg Config, db *sql.DB, client objectStore, logger *slog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "warden"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, db: db, client: client, logger: logger}
}

func newS3Client(cfg S3Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Start runs a backup and a prune every interval until Stop.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Run(ctx); err != nil {
					m.logger.Error("scheduled backup", "error", err)
					continue
				}
				if _, err := m.Prune(ctx); err != nil {
					m.logger.Error("prune backups", "error", err)
				}
			}
		}
	}()
}

// Stop gracefully stops the scheduled loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Run snapshots the database, seals it and uploads it.
func (m *Manager) Run(ctx context.Context) (*Object, error) {
	obj, err := m.run(ctx)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.BackupsTotal.WithLabelValues("success").Inc()
	m.logger.Info("backup uploaded", "key", obj.Key, "size", obj.Size)
	return obj, nil
}

func (m *Manager) run(ctx context.Context) (*Object, error) {
	dir, err := os.MkdirTemp("", "warden-backup-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "snapshot.db")
	sealed := snapshot + ".enc"

	// VACUUM INTO yields a consistent single-file copy even in WAL mode.
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}
	if err := SealFile(snapshot, sealed, m.cfg.Passphrase); err != nil {
		return nil, fmt.Errorf("seal snapshot: %w", err)
	}

	f, err := os.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open sealed snapshot: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat sealed snapshot: %w", err)
	}

	now := m.cfg.Now().UTC()
	key := path.Join(m.cfg.Prefix, fmt.Sprintf("warden-%s.db.enc", now.Format("2006-01-02T150405Z")))
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return nil, fmt.Errorf("upload to s3: %w", err)
	}
	return &Object{Key: key, Size: stat.Size(), CreatedAt: now}, nil
}

// List returns every snapshot under the prefix, oldest first.
func (m *Manager) List(ctx context.Context) ([]Object, error) {
	var objects []Object
	p := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Prefix: aws.String(m.cfg.Prefix + "/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if !strings.HasSuffix(key, ".db.enc") {
				continue
			}
			objects = append(objects, Object{
				Key:       key,
				Size:      aws.ToInt64(o.Size),
				CreatedAt: aws.ToTime(o.LastModified),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Prune deletes snapshots older than the retention period. The newest
// snapshot is always kept.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	objects, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(objects) <= 1 {
		return 0, nil
	}

	cutoff := m.cfg.Now().Add(-m.cfg.Retention)
	deleted := 0
	for _, o := range objects[:len(objects)-1] {
		if !o.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(o.Key),
		}); err != nil {
			m.logger.Warn("delete old backup", "key", o.Key, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Restore downloads key, decrypts it, checks its integrity and writes it to
// dstPath. It never overwrites an existing file; swapping the restored file
// in for the live database is left to the operator.
func (m *Manager) Restore(ctx context.Context, key, dstPath string) error {
	if _, err := os.Stat(dstPath); err == nil {
		return fmt.Errorf("restore target %s already exists", dstPath)
	}

	dir, err := os.MkdirTemp("", "warden-restore-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	sealed := filepath.Join(dir, "snapshot.db.enc")
	plain := filepath.Join(dir, "snapshot.db")

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	if err := writeFile(sealed, result.Body); err != nil {
		return err
	}
	if err := OpenFile(sealed, plain, m.cfg.Passphrase); err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}
	if err := checkIntegrity(ctx, plain); err != nil {
		return err
	}

	in, err := os.Open(plain)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := writeFile(dstPath, in); err != nil {
		return fmt.Errorf("write restored database: %w", err)
	}
	m.logger.Info("backup restored", "key", key, "path", dstPath)
	return nil
}

func checkIntegrity(ctx context.Context, dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}
	return nil
}

func writeFile(dst string, r io.Reader) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

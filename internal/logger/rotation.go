package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102-150405.000"

// RotationConfig controls when a log file is rotated and how long backups
// are kept.
type RotationConfig struct {
	Path     string
	MaxBytes int64
	// MaxAge removes backups older than this. Zero keeps them forever.
	MaxAge   time.Duration
	Compress bool
	Now      func() time.Time
}

// RotatingFile is an io.WriteCloser that moves the file aside once it
// reaches MaxBytes. Backups are named <path>.<timestamp>[.gz].
type RotatingFile struct {
	cfg RotationConfig

	mu   sync.Mutex
	file *os.File
	size int64

	// background compresses and prunes backups
	background sync.WaitGroup
}

// NewRotatingWriter opens filename for appending, rotating past maxSizeMB and
// dropping backups older than maxAgeDays.
func NewRotatingWriter(filename string, maxSizeMB, maxAgeDays int, compress bool) (*RotatingFile, error) {
	return OpenRotating(RotationConfig{
		Path:     filename,
		MaxBytes: int64(maxSizeMB) << 20,
		MaxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		Compress: compress,
	})
}

// OpenRotating opens or creates cfg.Path.
func OpenRotating(cfg RotationConfig) (*RotatingFile, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("log file size limit must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	r := &RotatingFile{cfg: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	r.prune()
	return r, nil
}

func (r *RotatingFile) open() error {
	file, err := os.OpenFile(r.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would overflow a non-empty file.
// A single write larger than MaxBytes still lands in one file.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.cfg.MaxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compression.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	var err error
	if r.file != nil {
		err = r.file.Close()
		r.file = nil
	}
	r.mu.Unlock()

	r.background.Wait()
	return err
}

// Rotate forces a rotation.
func (r *RotatingFile) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return os.ErrClosed
	}
	return r.rotate()
}

func (r *RotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	backup := r.cfg.Path + "." + r.cfg.Now().Format(backupTimeFormat)
	if err := os.Rename(r.cfg.Path, backup); err != nil {
		// Keep logging into the old file rather than losing output.
		if openErr := r.open(); openErr != nil {
			return openErr
		}
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		if r.cfg.Compress {
			_ = gzipFile(backup)
		}
		r.prune()
	}()
	return nil
}

// Backups lists rotated files, oldest first.
func (r *RotatingFile) Backups() ([]string, error) {
	matches, err := filepath.Glob(r.cfg.Path + ".*")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		if strings.HasSuffix(m, ".tmp") {
			continue
		}
		out = append(out, m)
	}
	// Timestamps sort lexically.
	sort.Strings(out)
	return out, nil
}

func (r *RotatingFile) prune() {
	if r.cfg.MaxAge <= 0 {
		return
	}
	backups, err := r.Backups()
	if err != nil {
		return
	}
	cutoff := r.cfg.Now().Add(-r.cfg.MaxAge)
	for _, b := range backups {
		info, err := os.Stat(b)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(b)
		}
	}
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := path + ".gz.tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	_, copyErr := io.Copy(zw, src)
	closeErr := zw.Close()
	fileErr := dst.Close()
	if err := firstError(copyErr, closeErr, fileErr); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path+".gz"); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(path)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

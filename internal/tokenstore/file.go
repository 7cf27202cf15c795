package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps the encrypted StoredAuth record in a single file.
// Writes use temp file + rename for crash safety. Concurrent writers from
// different processes are not locked against each other; the last write wins.
type FileStore struct {
	filePath    string
	platformURL string
	cipher      *Cipher
	now         func() time.Time
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithCipher overrides the cipher derived from the current user and platform URL.
func WithCipher(c *Cipher) FileStoreOption {
	return func(f *FileStore) {
		f.cipher = c
	}
}

// WithClock overrides the time source used for expiry checks and timestamps.
func WithClock(now func() time.Time) FileStoreOption {
	return func(f *FileStore) {
		f.now = now
	}
}

// NewFileStore creates a FileStore at filePath scoped to platformURL.
// No I/O is performed; the parent directory is created on first Save.
func NewFileStore(filePath, platformURL string, opts ...FileStoreOption) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	platformURL = NormalizePlatformURL(platformURL)
	if platformURL == "" {
		return nil, fmt.Errorf("platform URL cannot be empty")
	}

	f := &FileStore{
		filePath:    filePath,
		platformURL: platformURL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.cipher == nil {
		c, err := NewCipher(platformURL)
		if err != nil {
			return nil, fmt.Errorf("creating cipher: %w", err)
		}
		f.cipher = c
	}

	return f, nil
}

// Path returns the location of the token file.
func (f *FileStore) Path() string {
	return f.filePath
}

// PlatformURL returns the platform URL this store is scoped to.
func (f *FileStore) PlatformURL() string {
	return f.platformURL
}

// Save encrypts and atomically writes the record with 0600 permissions.
func (f *FileStore) Save(ctx context.Context, record *StoredAuth) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}

	nowMs := f.now().UnixMilli()
	if record.CreatedAt == 0 {
		record.CreatedAt = nowMs
	}
	record.UpdatedAt = nowMs

	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	sealed, err := f.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypting record: %w", err)
	}

	dir := filepath.Dir(f.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	// Create secure temp file in same directory for atomic rename
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.WriteString(sealed); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tempName, f.filePath); err != nil {
		return err
	}

	// Set secure file permissions (0600 = rw-------)
	if err := os.Chmod(f.filePath, 0600); err != nil {
		return err
	}

	slog.DebugContext(ctx, "stored credentials saved",
		"path", f.filePath,
		"platform_url", record.PlatformURL,
		"session_expires_at", record.SessionExpiry().Format(time.RFC3339),
		"has_refresh_token", record.CanRefresh(),
	)
	return nil
}

// Load reads and decrypts the record. It returns nil without error when the
// file is missing, cannot be decrypted, or does not parse.
func (f *FileStore) Load(ctx context.Context) (*StoredAuth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		slog.WarnContext(ctx, "insecure permissions on token file",
			"path", f.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return nil, err
	}

	plaintext, err := f.cipher.Decrypt(string(data))
	if err != nil {
		slog.DebugContext(ctx, "ignoring undecryptable token file", "path", f.filePath, "error", err)
		return nil, nil
	}

	var record StoredAuth
	if err := json.Unmarshal(plaintext, &record); err != nil {
		slog.DebugContext(ctx, "ignoring unparsable token file", "path", f.filePath, "error", err)
		return nil, nil
	}

	return &record, nil
}

// Clear deletes the token file if present.
func (f *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(f.filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}

// Valid reports whether a usable session for the configured platform is stored,
// treating sessions within ExpiryBuffer of their expiry as expired.
func (f *FileStore) Valid(ctx context.Context) bool {
	record := f.loadScoped(ctx)
	if record == nil {
		return false
	}
	return !f.now().After(record.SessionExpiry().Add(-ExpiryBuffer))
}

// SessionToken returns the stored session token unless it has passed its raw expiry.
func (f *FileStore) SessionToken(ctx context.Context) (string, bool) {
	record := f.loadScoped(ctx)
	if record == nil || record.SessionToken == "" {
		return "", false
	}
	if f.now().After(record.SessionExpiry()) {
		return "", false
	}
	return record.SessionToken, true
}

// ProviderTokens returns the stored provider tokens, or nil if no record for
// the configured platform exists.
func (f *FileStore) ProviderTokens(ctx context.Context) *ProviderTokens {
	record := f.loadScoped(ctx)
	if record == nil {
		return nil
	}
	tokens := record.ProviderTokens
	return &tokens
}

// UpdateSession replaces the session token of the stored record and saves it.
func (f *FileStore) UpdateSession(ctx context.Context, token string, opts ...UpdateOption) error {
	record, err := f.Load(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrNoStoredAuth
	}

	record.SessionToken = token
	for _, opt := range opts {
		opt(record)
	}

	return f.Save(ctx, record)
}

// loadScoped loads the record and drops it if it belongs to another platform.
func (f *FileStore) loadScoped(ctx context.Context) *StoredAuth {
	record, err := f.Load(ctx)
	if err != nil {
		slog.DebugContext(ctx, "reading token file failed", "path", f.filePath, "error", err)
		return nil
	}
	if record == nil || NormalizePlatformURL(record.PlatformURL) != f.platformURL {
		return nil
	}
	return record
}

package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port.
// Token values are encrypted with AES-256-GCM before write and decrypted
// after read.
type CredentialRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key; nil when encryption is disabled.
}

// NewCredentialRepo creates a new CredentialRepo. key must be 32 bytes for
// AES-256-GCM, or nil to disable credential storage (all operations will
// return driven.ErrEncryptionKeyNotSet).
func NewCredentialRepo(db *DB, key []byte) *CredentialRepo {
	return &CredentialRepo{db: db, key: key}
}

const credentialColumns = `id, person_name, kind, value, api_server, expires_at,
	is_active, error_count, last_error, last_used_at, last_success_at, created_at`

// ActiveCredential returns the active credential of the given kind for the
// person, or nil, nil when none exists.
func (r *CredentialRepo) ActiveCredential(ctx context.Context, personName string, kind model.CredentialKind) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE person_name = ? AND kind = ? AND is_active = 1`

	return r.queryOne(ctx, query, personName, string(kind))
}

// LatestCredential returns the most recently created credential of the given
// kind regardless of active flag, or nil, nil when none exists.
func (r *CredentialRepo) LatestCredential(ctx context.Context, personName string, kind model.CredentialKind) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE person_name = ? AND kind = ?
		ORDER BY id DESC
		LIMIT 1`

	return r.queryOne(ctx, query, personName, string(kind))
}

// RotatePair atomically retires every active credential for the person and
// inserts the new access/refresh pair. Both steps run in one transaction on
// the writer connection so there is never a window with neither pair.
func (r *CredentialRepo) RotatePair(ctx context.Context, personName string, access, refresh model.Credential) error {
	if access.Kind != model.CredentialAccess || refresh.Kind != model.CredentialRefresh {
		return fmt.Errorf("rotate pair for %q: kind mismatch", personName)
	}

	encAccess, err := r.encrypt(access.Value)
	if err != nil {
		return fmt.Errorf("encrypt access token for %q: %w", personName, err)
	}
	encRefresh, err := r.encrypt(refresh.Value)
	if err != nil {
		return fmt.Errorf("encrypt refresh token for %q: %w", personName, err)
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation for %q: %w", personName, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET is_active = 0 WHERE person_name = ? AND is_active = 1`,
		personName,
	); err != nil {
		return fmt.Errorf("retire credentials for %q: %w", personName, err)
	}

	const insert = `
		INSERT INTO credentials (person_name, kind, value, api_server, expires_at, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`

	createdAt := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, insert,
		personName, string(model.CredentialAccess), encAccess, access.APIServer,
		access.ExpiresAt.UTC(), createdAt,
	); err != nil {
		return fmt.Errorf("insert access credential for %q: %w", personName, err)
	}

	if _, err := tx.ExecContext(ctx, insert,
		personName, string(model.CredentialRefresh), encRefresh, "",
		refresh.ExpiresAt.UTC(), createdAt,
	); err != nil {
		return fmt.Errorf("insert refresh credential for %q: %w", personName, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation for %q: %w", personName, err)
	}
	return nil
}

// MarkUsed stamps last_used_at on the active credential of the given kind.
func (r *CredentialRepo) MarkUsed(ctx context.Context, personName string, kind model.CredentialKind, at time.Time) error {
	const query = `
		UPDATE credentials SET last_used_at = ?
		WHERE person_name = ? AND kind = ? AND is_active = 1`

	if _, err := r.db.Writer.ExecContext(ctx, query, at.UTC(), personName, string(kind)); err != nil {
		return fmt.Errorf("mark %s credential used for %q: %w", kind, personName, err)
	}
	return nil
}

// RecordError increments error_count and sets last_error on the active
// refresh credential. A missing row is not an error.
func (r *CredentialRepo) RecordError(ctx context.Context, personName, message string) error {
	const query = `
		UPDATE credentials SET error_count = error_count + 1, last_error = ?
		WHERE person_name = ? AND kind = ? AND is_active = 1`

	if _, err := r.db.Writer.ExecContext(ctx, query, message, personName, string(model.CredentialRefresh)); err != nil {
		return fmt.Errorf("record error for %q: %w", personName, err)
	}
	return nil
}

// ClearErrors resets error bookkeeping and stamps last_success_at on the
// person's active credentials.
func (r *CredentialRepo) ClearErrors(ctx context.Context, personName string, at time.Time) error {
	const query = `
		UPDATE credentials SET error_count = 0, last_error = '', last_success_at = ?
		WHERE person_name = ? AND is_active = 1`

	if _, err := r.db.Writer.ExecContext(ctx, query, at.UTC(), personName); err != nil {
		return fmt.Errorf("clear errors for %q: %w", personName, err)
	}
	return nil
}

// Deactivate soft-retires the active credential of the given kind.
func (r *CredentialRepo) Deactivate(ctx context.Context, personName string, kind model.CredentialKind) error {
	const query = `
		UPDATE credentials SET is_active = 0
		WHERE person_name = ? AND kind = ? AND is_active = 1`

	if _, err := r.db.Writer.ExecContext(ctx, query, personName, string(kind)); err != nil {
		return fmt.Errorf("deactivate %s credential for %q: %w", kind, personName, err)
	}
	return nil
}

// DeactivateAll soft-retires every active credential for the person.
func (r *CredentialRepo) DeactivateAll(ctx context.Context, personName string) error {
	const query = `UPDATE credentials SET is_active = 0 WHERE person_name = ? AND is_active = 1`

	if _, err := r.db.Writer.ExecContext(ctx, query, personName); err != nil {
		return fmt.Errorf("deactivate credentials for %q: %w", personName, err)
	}
	return nil
}

// DeleteAll hard-deletes every credential row for the person.
func (r *CredentialRepo) DeleteAll(ctx context.Context, personName string) error {
	const query = `DELETE FROM credentials WHERE person_name = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, personName); err != nil {
		return fmt.Errorf("delete credentials for %q: %w", personName, err)
	}
	return nil
}

// Persons returns the distinct person names holding any credential row.
func (r *CredentialRepo) Persons(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT person_name FROM credentials ORDER BY person_name`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()

	var persons []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}

	return persons, nil
}

// queryOne runs a single-row credential query, decrypting the token value.
// Returns nil, nil when no row matches.
func (r *CredentialRepo) queryOne(ctx context.Context, query string, args ...any) (*model.Credential, error) {
	if r.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}

	row := r.db.Reader.QueryRowContext(ctx, query, args...)

	var (
		cred      model.Credential
		kind      string
		encrypted string
		expiresAt string
		isActive  int
		lastUsed  sql.NullString
		lastOK    sql.NullString
		createdAt string
	)

	err := row.Scan(&cred.ID, &cred.PersonName, &kind, &encrypted, &cred.APIServer,
		&expiresAt, &isActive, &cred.ErrorCount, &cred.LastError, &lastUsed, &lastOK, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}

	cred.Kind = model.CredentialKind(kind)
	cred.IsActive = isActive != 0

	if cred.Value, err = r.decrypt(encrypted); err != nil {
		return nil, fmt.Errorf("decrypt credential for %q: %w", cred.PersonName, err)
	}
	if cred.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if cred.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, fmt.Errorf("parse last_used_at: %w", err)
	}
	if cred.LastSuccessAt, err = parseNullTime(lastOK); err != nil {
		return nil, fmt.Errorf("parse last_success_at: %w", err)
	}
	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &cred, nil
}

// encrypt encrypts plaintext using AES-256-GCM and returns a base64-encoded
// string containing the nonce (12 bytes) prepended to the ciphertext.
func (r *CredentialRepo) encrypt(plaintext string) (string, error) {
	if r.key == nil {
		return "", driven.ErrEncryptionKeyNotSet
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, producing: nonce || ciphertext || tag.
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a base64-encoded AES-256-GCM ciphertext.
func (r *CredentialRepo) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}

	return string(plaintext), nil
}

// Package session persists generation sessions, their uploaded exhibits and
// generated outputs, and removes them once they expire.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"motionforge/internal/models"
)

var ErrNotFound = errors.New("session not found")

const DefaultTTL = 24 * time.Hour

// Service is the SQL-backed session store.
type Service struct {
	db       *sql.DB
	baseDir  string
	ttl      time.Duration
	onExpire func(sessionID string)
}

// NewService builds the store; session files live under baseDir/<id>.
func NewService(db *sql.DB, baseDir string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{db: db, baseDir: baseDir, ttl: ttl}
}

// OnExpire registers a hook run for every session the cleaner removes.
func (s *Service) OnExpire(fn func(sessionID string)) {
	s.onExpire = fn
}

func (s *Service) SessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

// Create inserts a pending session and creates its directory.
func (s *Service) Create(ctx context.Context) (*models.Session, error) {
	id := uuid.NewString()
	if err := os.MkdirAll(s.SessionDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	now := time.Now().UTC()
	sess := &models.Session{
		ID:        id,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, error, created_at, updated_at, expires_at) VALUES (?, ?, '', ?, ?, ?)`,
		sess.ID, sess.Status, sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt,
	); err != nil {
		_ = os.RemoveAll(s.SessionDir(id))
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// AddExhibit records an uploaded exhibit that is already on disk.
func (s *Service) AddExhibit(ctx context.Context, ex *models.Exhibit) (*models.Exhibit, error) {
	if ex == nil || ex.SessionID == "" || ex.Label == "" {
		return nil, errors.New("exhibit session and label are required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO exhibits (session_id, label, file_name, stored_path, size, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ex.SessionID, ex.Label, ex.FileName, ex.StoredPath, ex.Size, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert exhibit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("exhibit id: %w", err)
	}
	out := *ex
	out.ID = id
	out.CreatedAt = now
	return &out, nil
}

// Exhibits returns the session's exhibits ordered by label.
func (s *Service) Exhibits(ctx context.Context, sessionID string) ([]*models.Exhibit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, label, file_name, stored_path, size, created_at FROM exhibits WHERE session_id = ? ORDER BY label ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list exhibits: %w", err)
	}
	defer rows.Close()

	var exhibits []*models.Exhibit
	for rows.Next() {
		ex := new(models.Exhibit)
		if err := rows.Scan(&ex.ID, &ex.SessionID, &ex.Label, &ex.FileName, &ex.StoredPath, &ex.Size, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exhibit: %w", err)
		}
		exhibits = append(exhibits, ex)
	}
	return exhibits, rows.Err()
}

// SetStatus moves the session to status; errMsg is kept for StatusError.
func (s *Service) SetStatus(ctx context.Context, sessionID string, status models.Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return expectOne(res)
}

// RecordOutputs stores generated files, replacing earlier rows with the same name.
func (s *Service) RecordOutputs(ctx context.Context, sessionID string, outputs []*models.OutputFile) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for _, out := range outputs {
		if out == nil {
			continue
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM outputs WHERE session_id = ? AND file_name = ?`, sessionID, out.FileName); err != nil {
			return fmt.Errorf("replace output: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO outputs (session_id, kind, file_name, stored_path, size, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, out.Kind, out.FileName, out.StoredPath, out.Size, now,
		)
		if err != nil {
			return fmt.Errorf("insert output: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			out.ID = id
		}
		out.SessionID = sessionID
		out.CreatedAt = now
	}
	if _, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit outputs: %w", err)
	}
	return nil
}

// Get returns the persisted session with its exhibits and outputs.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var (
		sess   models.Session
		errMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, error, created_at, updated_at, expires_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&sess.ID, &sess.Status, &errMsg, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Error = errMsg.String

	if sess.Exhibits, err = s.Exhibits(ctx, sessionID); err != nil {
		return nil, err
	}
	if sess.Outputs, err = s.Outputs(ctx, sessionID); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Outputs lists the generated files of a session.
func (s *Service) Outputs(ctx context.Context, sessionID string) ([]*models.OutputFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, file_name, stored_path, size, created_at FROM outputs WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	var outputs []*models.OutputFile
	for rows.Next() {
		out := new(models.OutputFile)
		if err := rows.Scan(&out.ID, &out.SessionID, &out.Kind, &out.FileName, &out.StoredPath, &out.Size, &out.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// Output resolves a download by file name; only recorded outputs are served.
func (s *Service) Output(ctx context.Context, sessionID, fileName string) (*models.OutputFile, error) {
	out := new(models.OutputFile)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, kind, file_name, stored_path, size, created_at FROM outputs WHERE session_id = ? AND file_name = ?`,
		sessionID, fileName,
	).Scan(&out.ID, &out.SessionID, &out.Kind, &out.FileName, &out.StoredPath, &out.Size, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	return out, nil
}

// ShortenExpiry pulls the expiry forward to now+grace; it never extends it.
func (s *Service) ShortenExpiry(ctx context.Context, sessionID string, grace time.Duration) error {
	at := time.Now().UTC().Add(grace)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE id = ? AND expires_at > ?`,
		at, sessionID, at,
	); err != nil {
		return fmt.Errorf("shorten session expiry: %w", err)
	}
	return nil
}

// Delete removes the session rows and its directory.
func (s *Service) Delete(ctx context.Context, sessionID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	for _, stmt := range []string{
		`DELETE FROM outputs WHERE session_id = ?`,
		`DELETE FROM exhibits WHERE session_id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return fmt.Errorf("delete session files: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err = expectOne(res); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	if rmErr := os.RemoveAll(s.SessionDir(sessionID)); rmErr != nil {
		return fmt.Errorf("remove session dir: %w", rmErr)
	}
	return nil
}

func expectOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

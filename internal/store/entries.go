package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"go.krypton.dev/krypton/internal/protocol"
)

// Entry is a persisted clipboard entry. Exactly one of Content and
// ExternalPath carries the bytes: IMAGE entries are written to disk when
// external image storage is enabled, everything else is stored inline.
type Entry struct {
	ID             string
	UserID         string
	ContentType    protocol.ContentType
	Content        []byte
	ContentPreview string
	ContentHash    string
	SourceDevice   string
	CreatedAt      time.Time
	ExternalPath   string
}

const (
	// previewLimit is the maximum rune count of a generated preview.
	previewLimit = 200

	// DefaultHistoryLimit applies when a pull request carries no limit.
	DefaultHistoryLimit = 100
)

const entryColumns = `id, user_id, content_type, content, content_preview, content_hash, source_device, created_at, external_path`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var (
		e         Entry
		ctype     string
		createdAt int64
		external  sql.NullString
	)
	err := row.Scan(&e.ID, &e.UserID, &ctype, &e.Content, &e.ContentPreview,
		&e.ContentHash, &e.SourceDevice, &createdAt, &external)
	if err != nil {
		return Entry{}, err
	}
	e.ContentType = protocol.ContentType(ctype)
	e.CreatedAt = fromMillis(createdAt)
	e.ExternalPath = external.String
	return e, nil
}

// Push appends a new clipboard entry for userID. The content hash is always
// recomputed server-side; a missing preview is generated from the content.
// Identical consecutive pushes are not deduplicated here — clients dedupe by
// hash before sending.
func (s *Store) Push(userID string, contentType protocol.ContentType, content []byte, preview, sourceDevice string) (Entry, error) {
	if !contentType.Valid() {
		return Entry{}, fmt.Errorf("invalid content type %q", contentType)
	}
	if len(content) == 0 {
		return Entry{}, fmt.Errorf("empty content")
	}

	sum := sha256.Sum256(content)
	e := Entry{
		ID:             uuid.NewString(),
		UserID:         userID,
		ContentType:    contentType,
		Content:        content,
		ContentPreview: preview,
		ContentHash:    hex.EncodeToString(sum[:]),
		SourceDevice:   sourceDevice,
		CreatedAt:      s.now(),
	}
	if e.ContentPreview == "" {
		e.ContentPreview = makePreview(contentType, content)
	}

	if contentType == protocol.ContentImage && s.imagesRoot != "" {
		path, err := s.writeImageBlob(userID, content)
		if err != nil {
			return Entry{}, err
		}
		e.ExternalPath = path
		e.Content = nil
	}

	_, err := s.db.Exec(
		`INSERT INTO clipboard_entries(`+entryColumns+`)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.ContentType), e.Content, e.ContentPreview,
		e.ContentHash, e.SourceDevice, millis(e.CreatedAt), nullString(e.ExternalPath),
	)
	if err != nil {
		if e.ExternalPath != "" {
			s.removeBlobs([]string{e.ExternalPath})
		}
		return Entry{}, fmt.Errorf("push entry: %w", err)
	}
	return e, nil
}

// History returns one page of a user's entries, newest first, together with
// the total count. limit is clamped to at least 1 (default 100 when 0 or
// negative); offset below 0 is treated as 0.
func (s *Store) History(userID string, limit, offset int) ([]Entry, int, bool, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM clipboard_entries WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return nil, 0, false, fmt.Errorf("history count: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM clipboard_entries
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, false, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, false, err
	}
	hasMore := offset+len(entries) < total
	return entries, total, hasMore, nil
}

// Search returns entries whose preview contains query, case-insensitively,
// newest first. The second return value is the total match count across all
// of the user's history, independent of limit.
func (s *Store) Search(userID, query string, limit int) ([]Entry, int, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"

	var total int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM clipboard_entries
		 WHERE user_id = ? AND LOWER(content_preview) LIKE ? ESCAPE '\'`,
		userID, pattern,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search count: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM clipboard_entries
		 WHERE user_id = ? AND LOWER(content_preview) LIKE ? ESCAPE '\'
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, pattern, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// MoveToTop bumps the entry to the top of the user's history by refreshing
// its creation time. Returns ErrNotFound when the entry does not exist or
// belongs to another user.
func (s *Store) MoveToTop(userID, entryID string) error {
	res, err := s.db.Exec(
		`UPDATE clipboard_entries SET created_at = ? WHERE id = ? AND user_id = ?`,
		millis(s.now()), entryID, userID,
	)
	if err != nil {
		return fmt.Errorf("move to top: %w", err)
	}
	return requireRow(res)
}

// Delete removes the entry and its external blob, if any. The blob removal
// is best-effort: a missing file is not an error.
func (s *Store) Delete(userID, entryID string) error {
	var external sql.NullString
	err := s.db.QueryRow(
		`SELECT external_path FROM clipboard_entries WHERE id = ? AND user_id = ?`,
		entryID, userID,
	).Scan(&external)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete lookup: %w", err)
	}

	res, err := s.db.Exec(
		`DELETE FROM clipboard_entries WHERE id = ? AND user_id = ?`, entryID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if external.Valid && external.String != "" {
		s.removeBlobs([]string{external.String})
	}
	return nil
}

// CleanupOlderThan bulk-deletes entries created more than the given number
// of days ago, removing their external blobs, and returns the deleted count.
// When contentType is non-empty only entries of that type are affected.
func (s *Store) CleanupOlderThan(days int, contentType protocol.ContentType) (int64, error) {
	cutoff := millis(s.now().AddDate(0, 0, -days))

	q := `SELECT external_path FROM clipboard_entries
	      WHERE created_at < ? AND external_path IS NOT NULL`
	args := []any{cutoff}
	if contentType != "" {
		q += ` AND content_type = ?`
		args = append(args, string(contentType))
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup scan: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	del := `DELETE FROM clipboard_entries WHERE created_at < ?`
	delArgs := []any{cutoff}
	if contentType != "" {
		del += ` AND content_type = ?`
		delArgs = append(delArgs, string(contentType))
	}
	res, err := s.db.Exec(del, delArgs...)
	if err != nil {
		return 0, fmt.Errorf("cleanup delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	s.removeBlobs(paths)
	return n, nil
}

// CountOlderThan reports how many entries a CleanupOlderThan call with the
// same arguments would delete. Used by `krypton cleanup --dry-run`.
func (s *Store) CountOlderThan(days int, contentType protocol.ContentType) (int64, error) {
	cutoff := millis(s.now().AddDate(0, 0, -days))
	q := `SELECT COUNT(*) FROM clipboard_entries WHERE created_at < ?`
	args := []any{cutoff}
	if contentType != "" {
		q += ` AND content_type = ?`
		args = append(args, string(contentType))
	}
	var n int64
	if err := s.db.QueryRow(q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("cleanup count: %w", err)
	}
	return n, nil
}

// EntryCount returns the total number of entries for a user.
func (s *Store) EntryCount(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM clipboard_entries WHERE user_id = ?`, userID,
	).Scan(&n)
	return n, err
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// makePreview derives the default preview for content without one.
func makePreview(contentType protocol.ContentType, content []byte) string {
	switch contentType {
	case protocol.ContentImage:
		return "[Image]"
	case protocol.ContentFile:
		return "[File]"
	}
	text := strings.ToValidUTF8(string(content), "�")
	if utf8.RuneCountInString(text) <= previewLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLimit-1]) + "…"
}

// escapeLike escapes LIKE metacharacters in a user-supplied query.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

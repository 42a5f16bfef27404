package store

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Image blobs live at {imagesRoot}/images/{userID}/{uuid}.png. Filenames are
// fresh UUIDs per entry, so concurrent writers can never collide on a path.
// The server stores whatever bytes arrive; clients normalise to PNG.

// writeImageBlob writes content to a fresh blob path and returns the path.
// The write goes through a temp file and a rename so a crash never leaves a
// half-written blob at its final name.
func (s *Store) writeImageBlob(userID string, content []byte) (string, error) {
	dir := filepath.Join(s.imagesRoot, "images", userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-write-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(content)
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write blob: %w", writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close blob: %w", closeErr)
	}

	final := filepath.Join(dir, uuid.NewString()+".png")
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("move blob into place: %w", err)
	}
	return final, nil
}

// ContentOf returns the entry's bytes, reading the external blob when the
// row does not carry them inline.
func (s *Store) ContentOf(e Entry) ([]byte, error) {
	if len(e.Content) > 0 || e.ExternalPath == "" {
		return e.Content, nil
	}
	b, err := os.ReadFile(e.ExternalPath)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", e.ExternalPath, err)
	}
	return b, nil
}

// removeBlobs deletes external blob files best-effort. Missing files are
// expected (already cleaned, or external storage moved) and not logged.
func (s *Store) removeBlobs(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("store: blob removal failed", "path", p, "err", err)
		}
	}
}

// SweepOrphanBlobs removes files under the images root that no entry
// references and returns the number removed. Runs during retention sweeps.
func (s *Store) SweepOrphanBlobs() (int, error) {
	if s.imagesRoot == "" {
		return 0, nil
	}

	referenced := make(map[string]struct{})
	rows, err := s.db.Query(
		`SELECT external_path FROM clipboard_entries WHERE external_path IS NOT NULL`,
	)
	if err != nil {
		return 0, fmt.Errorf("orphan scan: %w", err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		referenced[filepath.Clean(p)] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	root := filepath.Join(s.imagesRoot, "images")
	removed := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := referenced[filepath.Clean(path)]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("store: orphan blob removal failed", "path", path, "err", err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("orphan sweep: %w", err)
	}
	return removed, nil
}

// externalPathsForUser lists the blob paths of all of a user's entries.
func (s *Store) externalPathsForUser(userID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT external_path FROM clipboard_entries
		 WHERE user_id = ? AND external_path IS NOT NULL`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("blob paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// versionSentinel is the reserved annotation id of the row holding the
// version sequence.  The value is never a valid annotation id.
const versionSentinel = "version_sequence"

// NextVersion returns the next value of the shared version sequence.  The
// sequence is strictly increasing and never reused; every annotation version
// and its element rows share one value.  On first use the sentinel row is
// bootstrapped from the highest version already present, so the sequence
// survives restarts.
func (s *Store) NextVersion(ctx context.Context) (int64, error) {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()

	if s.versionRowID != 0 {
		version, err := s.incrementVersion(ctx, s.versionRowID)
		if err == nil {
			return version, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		s.versionRowID = 0
	}

	var rowid int64
	err := s.db.QueryRowContext(ctx,
		`SELECT rowid FROM annotation_elements WHERE annotation_id = ?`,
		versionSentinel).Scan(&rowid)
	if errors.Is(err, sql.ErrNoRows) {
		start := int64(0)
		var max sql.NullInt64
		if err := s.db.QueryRowContext(ctx,
			`SELECT MAX(version) FROM annotation_elements`).Scan(&max); err != nil {
			return 0, errors.Wrap(err, "version bootstrap")
		}
		if max.Valid {
			start = max.Int64 + 1
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO annotation_elements (id, annotation_id, version, created)
			 VALUES (?, ?, ?, ?)`,
			versionSentinel, versionSentinel, start, nowMillis())
		if err != nil {
			return 0, errors.Wrap(err, "insert version sentinel")
		}
		rowid, err = res.LastInsertId()
		if err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, errors.Wrap(err, "find version sentinel")
	}
	s.versionRowID = rowid
	return s.incrementVersion(ctx, rowid)
}

func (s *Store) incrementVersion(ctx context.Context, rowid int64) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE annotation_elements SET version = version + 1
		 WHERE rowid = ? RETURNING version`, rowid).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

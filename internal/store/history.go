package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wholeslide/annostore/internal/access"
)

// VersionList returns the history entries of an annotation, one per version,
// newest first.  Entries the principal cannot read are skipped unless force
// is set.
func (s *Store) VersionList(ctx context.Context, id string, p *access.Principal, limit, offset int64, force bool) ([]*Annotation, error) {
	rows, err := s.db.QueryContext(ctx,
		selectHeaderColumns+` FROM annotations
		WHERE rowid IN (
			SELECT MIN(rowid) FROM annotations
			WHERE id = ? OR annotation_id = ?
			GROUP BY version
		)
		ORDER BY version DESC`, id, id)
	if err != nil {
		return nil, errors.Wrap(err, "version list")
	}
	defer rows.Close()

	entries := []*Annotation{}
	var skipped int64
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		if !force && !access.Can(p, a.Access, a.Public, access.Read) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		entries = append(entries, a)
		if limit > 0 && int64(len(entries)) >= limit {
			break
		}
	}
	return entries, rows.Err()
}

// GetVersion reconstructs one historical version of an annotation, elements
// included.  The returned record carries the live id as its id and the
// physical row id in VersionID.
func (s *Store) GetVersion(ctx context.Context, id string, version int64, p *access.Principal, force bool) (*Annotation, error) {
	var physicalID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM annotations
		WHERE (id = ? OR annotation_id = ?) AND version = ?`,
		id, id, version).Scan(&physicalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find version")
	}
	principal := p
	level := access.Read
	if force {
		principal = &access.Principal{Admin: true}
	}
	a, err := s.Load(ctx, physicalID, nil, true, principal, level)
	if err != nil {
		return nil, err
	}
	a.VersionID = a.ID
	a.ID = a.liveID()
	a.AnnotationID = ""
	return a, nil
}

// RevertVersion reverts an annotation to a previous version.  With version 0
// it picks the most recent archived version when the live one is inactive
// (undoing a delete), or the previous version otherwise.  The revert itself
// becomes a new version via a normal save.
func (s *Store) RevertVersion(ctx context.Context, id string, version int64, user *User, force bool) (*Annotation, error) {
	if version == 0 {
		versions, err := s.VersionList(ctx, id, nil, 2, 0, true)
		if err != nil {
			return nil, err
		}
		if len(versions) >= 1 && !versions[0].Active {
			version = versions[0].Version
		} else if len(versions) >= 2 {
			version = versions[1].Version
		}
		if version == 0 {
			return nil, ErrNotFound
		}
	}
	a, err := s.GetVersion(ctx, id, version, user.Principal(), force)
	if err != nil {
		return nil, err
	}
	// The most recent active snapshot needs no revert.
	if a.Active {
		return a, nil
	}
	if !force {
		if err := access.Require(user.Principal(), a.Access, a.Public, access.Write); err != nil {
			return nil, err
		}
	}
	return s.UpdateAnnotation(ctx, a, user)
}

// GCReport summarizes what removeOldAnnotations did (or would do).
type GCReport struct {
	FromDeletedItems  int64 `json:"fromDeletedItems"`
	OldVersions       int64 `json:"oldVersions"`
	Active            int64 `json:"active"`
	RecentVersions    int64 `json:"recentVersions"`
	AbandonedVersions int64 `json:"abandonedVersions"`
	RemovedVersions   int64 `json:"removedVersions"`
}

// RemoveOldAnnotations removes (a) annotation versions belonging to deleted
// items and (b) inactive versions past a minimum age, always keeping the most
// recent keepInactiveVersions inactive snapshots.  Element versions no header
// references are abandoned and removed as well.  With remove false this only
// reports.  Progress is logged every ten seconds; the scan is safe to abort
// between annotations.
func (s *Store) RemoveOldAnnotations(ctx context.Context, remove bool, minAgeDays, keepInactiveVersions int) (*GCReport, error) {
	if remove && minAgeDays < 7 {
		return nil, errors.Wrap(ErrValidation, "minAgeInDays must be >= 7")
	}
	if minAgeDays < 0 {
		return nil, errors.Wrap(ErrValidation, "minAgeInDays must be >= 0")
	}
	if keepInactiveVersions < 0 {
		return nil, errors.Wrap(ErrValidation, "keepInactiveVersions must be non-negative")
	}
	cutoff := nowMillis() - int64(minAgeDays)*24*int64(time.Hour/time.Millisecond)
	report := &GCReport{}
	itemExists := map[string]bool{}
	processed := map[string]struct{}{}
	annotVersions := map[int64]struct{}{}

	s.log.Info("checking old annotations")
	logtime := time.Now()

	// Materialize the scan before the per-annotation lookups so the cursor
	// does not hold a connection across nested queries.
	rows, err := s.db.QueryContext(ctx,
		selectHeaderColumns+` FROM annotations ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "scan annotations")
	}
	var all []*Annotation
	for rows.Next() {
		annot, err := scanAnnotation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, annot)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, annot := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Since(logtime) > 10*time.Second {
			s.log.Info("still checking old annotations",
				zap.Int("checked", len(processed)),
				zap.Int("versions", len(annotVersions)),
				zap.Any("report", report))
			logtime = time.Now()
		}
		id := annot.liveID()
		annotVersions[annot.Version] = struct{}{}
		if _, done := processed[id]; done {
			continue
		}
		exists, cached := itemExists[annot.ItemID]
		if !cached {
			if len(itemExists) > 10000 {
				itemExists = map[string]bool{}
			}
			item, err := s.GetItem(ctx, annot.ItemID)
			if err != nil {
				return nil, err
			}
			exists = item != nil
			itemExists[annot.ItemID] = exists
		}
		keep := 0
		if exists {
			keep = keepInactiveVersions
		}
		history, err := s.VersionList(ctx, id, nil, 0, 0, true)
		if err != nil {
			return nil, err
		}
		for _, record := range history {
			annotVersions[record.Version] = struct{}{}
			if record.Active && exists {
				report.Active++
				continue
			}
			if keep > 0 {
				keep--
				report.RecentVersions++
				continue
			}
			stamp := record.Created
			if record.Updated > stamp {
				stamp = record.Updated
			}
			if stamp < cutoff {
				if remove {
					if _, err := s.db.ExecContext(ctx,
						`DELETE FROM annotations WHERE id = ?`, record.ID); err != nil {
						return nil, errors.Wrap(err, "remove old annotation")
					}
					if err := s.RemoveVersion(ctx, record.Version); err != nil {
						return nil, err
					}
					report.RemovedVersions++
				}
				if !exists {
					report.FromDeletedItems++
				} else {
					report.OldVersions++
				}
			} else {
				report.RecentVersions++
			}
		}
		processed[id] = struct{}{}
	}

	s.log.Info("getting distinct element versions")
	versionRows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT version FROM annotation_elements
		WHERE created < ? AND annotation_id != ?`, cutoff, versionSentinel)
	if err != nil {
		return nil, errors.Wrap(err, "distinct element versions")
	}
	defer versionRows.Close()
	var abandoned []int64
	for versionRows.Next() {
		var v int64
		if err := versionRows.Scan(&v); err != nil {
			return nil, err
		}
		if _, referenced := annotVersions[v]; !referenced {
			abandoned = append(abandoned, v)
		}
	}
	if err := versionRows.Err(); err != nil {
		return nil, err
	}
	report.AbandonedVersions = int64(len(abandoned))
	if remove {
		logtime = time.Now()
		for _, v := range abandoned {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if time.Since(logtime) > 10*time.Second {
				s.log.Info("removing abandoned versions", zap.Any("report", report))
				logtime = time.Now()
			}
			if err := s.RemoveVersion(ctx, v); err != nil {
				return nil, err
			}
			report.RemovedVersions++
		}
		s.log.Info("compacting database")
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			s.log.Warn("vacuum failed", zap.Error(err))
		}
	}
	s.log.Info("finished checking old annotations", zap.Any("report", report))
	return report, nil
}

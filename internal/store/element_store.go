package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wholeslide/annostore/pkg/geometry"
	"github.com/wholeslide/annostore/pkg/query"
)

var elementJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// insertChunkSize bounds how many element rows go into one transaction.
const insertChunkSize = 100000

// InsertMany bulk-inserts element entries.  Entries without ids get fresh
// ones, written back into the element payload so callers see the assigned
// ids.  A collision on an auto-assigned id is regenerated and retried once.
func (s *Store) InsertMany(ctx context.Context, entries []*ElementEntry) error {
	start := time.Now()
	for chunk := 0; chunk < len(entries); chunk += insertChunkSize {
		end := chunk + insertChunkSize
		if end > len(entries) {
			end = len(entries)
		}
		chunkStart := time.Now()
		if err := s.insertChunk(ctx, entries[chunk:end]); err != nil {
			return err
		}
		if time.Since(start) > 10*time.Second {
			s.log.Info("inserting elements",
				zap.Int("chunk", end-chunk),
				zap.Duration("chunkTime", time.Since(chunkStart)),
				zap.Int("done", end), zap.Int("total", len(entries)))
		}
	}
	return nil
}

func (s *Store) insertChunk(ctx context.Context, entries []*ElementEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin element insert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO annotation_elements
			(id, annotation_id, version, created,
			 lowx, lowy, lowz, highx, highy, highz, size, details, grp, element)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare element insert")
	}
	defer stmt.Close()

	for _, entry := range entries {
		// The row id is always fresh; element ids are only unique within one
		// annotation and may repeat across annotations (item copies).
		entry.ID = NewID()
		if entry.Element.ID() == "" {
			entry.Element.SetID(entry.ID)
		}
		retried := false
		for {
			err := s.execElementInsert(ctx, stmt, entry)
			if err == nil {
				break
			}
			if !retried && isUniqueViolation(err) {
				// Row id collision: regenerate once and retry.
				retried = true
				if entry.Element.ID() == entry.ID {
					entry.Element.SetID("")
				}
				entry.ID = NewID()
				if entry.Element.ID() == "" {
					entry.Element.SetID(entry.ID)
				}
				continue
			}
			return errors.Wrap(err, "insert element")
		}
	}
	return tx.Commit()
}

func (s *Store) execElementInsert(ctx context.Context, stmt *sql.Stmt, entry *ElementEntry) error {
	var grp any
	if g, ok := entry.Element.Group(); ok {
		grp = g
	}
	raw, err := elementJSON.Marshal(entry.Element)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx,
		entry.ID, entry.AnnotationID, entry.Version, entry.Created,
		entry.BBox.LowX, entry.BBox.LowY, entry.BBox.LowZ,
		entry.BBox.HighX, entry.BBox.HighY, entry.BBox.HighZ,
		entry.BBox.Size, entry.BBox.Details, grp, string(raw))
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ElementCursor iterates the elements matching a region plan, tracking the
// detail budget and, in centroid mode, the deduplicated property table.
type ElementCursor struct {
	rows      *sql.Rows
	info      *query.Info
	centroids bool

	props      map[[5]any]int32
	maxDetails int64
	details    int64
	count      int64
	done       bool
}

// YieldElements builds an element cursor for an annotation.  The annotation's
// logical id and version select the element set; the region narrows and
// orders it.  info is filled with query metadata as iteration proceeds and is
// complete once the cursor is exhausted.
func (s *Store) YieldElements(ctx context.Context, a *Annotation, region *query.Region, info *query.Info) (*ElementCursor, error) {
	if info == nil {
		info = &query.Info{}
	}
	where := "annotation_id = ? AND version = ?"
	args := []any{a.liveID(), a.Version}
	filter := fmt.Sprintf("annotationId=%s version=%d", a.liveID(), a.Version)
	for _, cond := range region.Conditions() {
		where += fmt.Sprintf(" AND %s %s ?", cond.Column, cond.Op)
		args = append(args, cond.Value)
		filter += fmt.Sprintf(" %s%s%g", cond.Column, cond.Op, cond.Value)
	}

	sortCol, sortDir := region.SortPlan()
	dir := "ASC"
	if sortDir < 0 {
		dir = "DESC"
	}
	order := fmt.Sprintf("ORDER BY %s %s, id %s", sortCol, dir, dir)
	if sortCol == "id" {
		order = fmt.Sprintf("ORDER BY id %s", dir)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM annotation_elements WHERE "+where, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "count elements")
	}

	limit := int64(-1)
	var offset int64
	if region != nil {
		if l := region.EffectiveLimit(); l > 0 {
			limit = l
		}
		offset = region.Offset
	}
	queryArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, element, lowx, lowy, highx, highy, size, details
		FROM annotation_elements WHERE `+where+" "+order+" LIMIT ? OFFSET ?",
		queryArgs...)
	if err != nil {
		return nil, errors.Wrap(err, "query elements")
	}

	info.Count = total
	info.Offset = offset
	info.Filter = filter
	info.Sort = []any{sortCol, sortDir}
	if region != nil {
		if region.Limit > 0 {
			info.Limit = region.Limit
		}
		if region.MaxDetails > 0 {
			info.MaxDetails = region.MaxDetails
		}
	}
	cursor := &ElementCursor{rows: rows, info: info}
	if region != nil {
		cursor.maxDetails = region.MaxDetails
		if region.Centroids {
			cursor.centroids = true
			cursor.props = make(map[[5]any]int32)
			info.Centroids = true
			info.Props = [][]any{}
			info.PropsKeys = query.PropsKeys
		}
	}
	return cursor, nil
}

// Next returns the next element, or the next centroid in centroid mode.
// Both results are nil once the cursor is exhausted.
func (c *ElementCursor) Next() (geometry.Element, *Centroid, error) {
	if c.done {
		return nil, nil, nil
	}
	for c.rows.Next() {
		var (
			id, raw                  string
			lowx, lowy, highx, highy float64
			size                     float64
			details                  sql.NullInt64
		)
		if err := c.rows.Scan(&id, &raw, &lowx, &lowy, &highx, &highy, &size, &details); err != nil {
			return nil, nil, errors.Wrap(err, "scan element")
		}
		var element geometry.Element
		if err := elementJSON.UnmarshalFromString(raw, &element); err != nil {
			return nil, nil, errors.Wrap(err, "decode element")
		}
		if element.ID() == "" {
			element.SetID(id)
		}
		c.count++
		if c.centroids {
			prop := [5]any{
				element["type"], element["fillColor"], element["lineColor"],
				element["lineWidth"], element["closed"],
			}
			idx, seen := c.props[prop]
			if !seen {
				idx = int32(len(c.props))
				c.props[prop] = idx
				c.info.Props = append(c.info.Props, []any{prop[0], prop[1], prop[2], prop[3], prop[4]})
			}
			centroidSize := size
			if element.Type() == "point" {
				centroidSize = 0
			}
			c.details++
			centroid := &Centroid{
				ID:        element.ID(),
				CX:        (lowx + highx) / 2,
				CY:        (lowy + highy) / 2,
				Size:      centroidSize,
				PropIndex: idx,
			}
			c.checkBudget()
			return nil, centroid, nil
		}
		d := int64(1)
		if details.Valid {
			d = details.Int64
		}
		c.details += d
		c.checkBudget()
		return element, nil, nil
	}
	if err := c.rows.Err(); err != nil {
		return nil, nil, err
	}
	c.finish()
	return nil, nil, nil
}

// checkBudget stops the cursor once the cumulative details reach maxDetails.
// The element that reached the budget is still returned.
func (c *ElementCursor) checkBudget() {
	if c.maxDetails > 0 && c.details >= c.maxDetails {
		c.finish()
	}
}

func (c *ElementCursor) finish() {
	if c.done {
		return
	}
	c.done = true
	c.info.Returned = c.count
	c.info.Details = c.details
	c.rows.Close()
}

// Close releases the cursor.  Safe to call repeatedly.
func (c *ElementCursor) Close() error {
	c.finish()
	return nil
}

// Info returns the cursor's side-channel metadata.
func (c *ElementCursor) Info() *query.Info {
	return c.info
}

// Collect drains the cursor into a slice of elements (JSON mode only).
func (c *ElementCursor) Collect() ([]geometry.Element, error) {
	defer c.Close()
	elements := []geometry.Element{}
	for {
		element, _, err := c.Next()
		if err != nil {
			return nil, err
		}
		if element == nil {
			break
		}
		elements = append(elements, element)
	}
	return elements, nil
}

// removeElements deletes element rows matching the where clause.  An empty
// clause is refused: bulk deletes must always be scoped.
func (s *Store) removeElements(ctx context.Context, where string, args ...any) error {
	if strings.TrimSpace(where) == "" {
		return errors.Wrap(ErrValidation, "refusing unscoped element delete")
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM annotation_elements WHERE "+where, args...)
	return errors.Wrap(err, "remove elements")
}

// RemoveForAnnotation deletes all element rows of every version of an
// annotation.
func (s *Store) RemoveForAnnotation(ctx context.Context, annotationID string) error {
	return s.removeElements(ctx, "annotation_id = ?", annotationID)
}

// RemoveOlderThan deletes superseded element versions.  With oldVersion < 0
// everything below the header's version goes; otherwise everything at or
// below oldVersion (unless that would include the current version).
func (s *Store) RemoveOlderThan(ctx context.Context, a *Annotation, oldVersion int64) error {
	if oldVersion < 0 || oldVersion >= a.Version {
		return s.removeElements(ctx, "annotation_id = ? AND version < ?", a.ID, a.Version)
	}
	return s.removeElements(ctx, "annotation_id = ? AND version <= ?", a.ID, oldVersion)
}

// RemoveVersion deletes every element row of one version, regardless of
// annotation.  Used by garbage collection for abandoned versions.
func (s *Store) RemoveVersion(ctx context.Context, version int64) error {
	return s.removeElements(ctx,
		"version = ? AND annotation_id != ?", version, versionSentinel)
}

// DistinctGroups returns the sorted distinct group values of one annotation
// version.  A trailing nil marks the presence of ungrouped elements.
func (s *Store) DistinctGroups(ctx context.Context, annotationID string, version int64) ([]*string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT grp FROM annotation_elements
		WHERE annotation_id = ? AND version = ? AND grp IS NOT NULL
		ORDER BY grp`, annotationID, version)
	if err != nil {
		return nil, errors.Wrap(err, "distinct groups")
	}
	defer rows.Close()

	groups := []*string{}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		group := g
		groups = append(groups, &group)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var ungrouped int
	err = s.db.QueryRow(`
		SELECT 1 FROM annotation_elements
		WHERE annotation_id = ? AND version = ? AND grp IS NULL LIMIT 1`,
		annotationID, version).Scan(&ungrouped)
	if err == nil {
		groups = append(groups, nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return groups, nil
}

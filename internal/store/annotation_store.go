package store

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wholeslide/annostore/internal/access"
	"github.com/wholeslide/annostore/pkg/geometry"
	"github.com/wholeslide/annostore/pkg/query"
	"github.com/wholeslide/annostore/pkg/validate"
)

// loadRetries bounds the header/element version race retry loop.
const loadRetries = 3

var headerJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Create makes a new annotation under an item.  Access is copied from the
// item's folder, the creator is granted admin, and public defaults to the
// folder's flag unless overridden.
func (s *Store) Create(ctx context.Context, item *Item, creator *User, body Body, public *bool) (*Annotation, error) {
	folder, err := s.GetFolder(ctx, item.FolderID)
	if err != nil {
		return nil, err
	}
	now := nowMillis()
	a := &Annotation{
		ItemID:     item.ID,
		CreatorID:  creator.ID,
		UpdatedID:  creator.ID,
		Created:    now,
		Updated:    now,
		Annotation: body,
	}
	if folder != nil {
		a.Access = folder.Access.Copy()
		a.Public = folder.Public
	}
	if a.Access == nil {
		a.Access = &access.ACL{}
	}
	if public != nil {
		a.Public = *public
	}
	a.Access.Grant(creator.ID, access.Admin)
	return s.Save(ctx, a)
}

// Load fetches an annotation by id, materializing all or a region-limited
// subset of its elements.  A concurrent writer may advance the version
// between the header read and the element read; when the element set comes
// back empty the header is re-read and the fetch retried, for at most three
// fetches in all.
func (s *Store) Load(ctx context.Context, id string, region *query.Region, getElements bool, p *access.Principal, level access.Level) (*Annotation, error) {
	a, err := s.headerByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	if err := access.Require(p, a.Access, a.Public, level); err != nil {
		return nil, err
	}
	if getElements {
		for retry := 0; retry < loadRetries; retry++ {
			info := &query.Info{}
			cursor, err := s.YieldElements(ctx, a, region, info)
			if err != nil {
				return nil, err
			}
			elements, err := cursor.Collect()
			if err != nil {
				return nil, err
			}
			a.Annotation.Elements = elements
			a.ElementQuery = info
			if len(elements) > 0 || retry+1 == loadRetries {
				break
			}
			recheck, err := s.headerByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if recheck == nil || recheck.Version == a.Version {
				break
			}
			a = recheck
		}
	}
	if err := s.injectGroupSet(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Save persists an annotation, elements first, under the store-wide write
// lock.  The new element rows exist before the header row flips to the new
// version, so a reader that observes the header sees a complete set.  With
// history enabled the previous header is archived; without it the superseded
// element rows are deleted after the header is replaced.
func (s *Store) Save(ctx context.Context, a *Annotation) (*Annotation, error) {
	start := time.Now()
	validator := validate.New(s.log)
	if err := validator.Annotation(
		a.Annotation.Name, a.Annotation.Description,
		a.Annotation.Attributes, a.Annotation.Elements); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	err := s.saveLocked(ctx, a)
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	a.Groups = nil
	if err := s.injectGroupSet(ctx, a); err != nil {
		return nil, err
	}
	s.log.Debug("saved annotation",
		zap.String("id", a.ID), zap.Int64("version", a.Version),
		zap.Duration("elapsed", time.Since(start)))
	s.emitSaveHistory(a)
	return a, nil
}

func (s *Store) saveLocked(ctx context.Context, a *Annotation) error {
	version, err := s.NextVersion(ctx)
	if err != nil {
		return err
	}
	var old *Annotation
	if a.ID != "" {
		// An archived header saves back under its live id.
		if a.AnnotationID != "" {
			a.ID = a.AnnotationID
			a.AnnotationID = ""
		}
		// The old version comes from the persisted row; the input's version
		// field is not trusted.
		if old, err = s.headerByID(ctx, a.ID); err != nil {
			return err
		}
	} else {
		a.ID = NewID()
	}
	a.Version = version
	a.Active = true
	a.VersionID = ""
	a.ElementQuery = nil

	if len(a.Annotation.Elements) > 0 {
		now := nowMillis()
		entries := make([]*ElementEntry, len(a.Annotation.Elements))
		for i, element := range a.Annotation.Elements {
			entries[i] = &ElementEntry{
				AnnotationID: a.ID,
				Version:      version,
				Created:      now,
				BBox:         geometry.Bounds(element),
				Element:      element,
			}
		}
		if err := s.InsertMany(ctx, entries); err != nil {
			return err
		}
	}

	if s.history && old != nil {
		archived := *old
		archived.AnnotationID = old.ID
		archived.ID = NewID()
		archived.Active = false
		if err := s.writeHeader(ctx, &archived); err != nil {
			return err
		}
	}
	if err := s.writeHeader(ctx, a); err != nil {
		return err
	}
	if !s.history && old != nil {
		return s.RemoveOlderThan(ctx, a, -1)
	}
	return nil
}

// Remove deletes an annotation.  With history enabled the header is only
// marked inactive; a revert can restore it.  Otherwise the header and every
// element row are removed under the write lock.
func (s *Store) Remove(ctx context.Context, a *Annotation) error {
	if s.history {
		_, err := s.db.ExecContext(ctx,
			`UPDATE annotations SET active = 0 WHERE id = ?`, a.ID)
		return errors.Wrap(err, "deactivate annotation")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM annotations WHERE id = ?`, a.ID); err != nil {
		return errors.Wrap(err, "remove annotation")
	}
	return s.RemoveForAnnotation(ctx, a.ID)
}

// UpdateAnnotation stamps the updater and saves.
func (s *Store) UpdateAnnotation(ctx context.Context, a *Annotation, updater *User) (*Annotation, error) {
	a.Updated = nowMillis()
	if updater != nil {
		a.UpdatedID = updater.ID
	} else {
		a.UpdatedID = ""
	}
	return s.Save(ctx, a)
}

// SetAccessList patches only the access fields of a stored annotation with a
// direct update.  Going through Save would force the unloaded element list
// back through validation (and would version-bump the annotation); access is
// not version-tracked state.
func (s *Store) SetAccessList(ctx context.Context, a *Annotation, acl *access.ACL, public *bool) error {
	a.Access = acl
	if public != nil {
		a.Public = *public
	}
	if a.ID == "" {
		return nil
	}
	rawAccess, err := headerJSON.Marshal(a.Access)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE annotations SET access = ?, public = ? WHERE id = ?`,
		string(rawAccess), boolToInt(a.Public), a.ID)
	return errors.Wrap(err, "set access list")
}

// FindOptions filter a header listing.
type FindOptions struct {
	ItemID     string
	CreatorID  string
	Name       string
	Text       string
	ActiveOnly bool
	Limit      int64
	Offset     int64
	SortField  string
	SortDir    int
	Principal  *access.Principal
	Level      access.Level
}

// Find lists annotation headers matching the options, filtered by the
// caller's permission.  Elements are not loaded.
func (s *Store) Find(ctx context.Context, opts FindOptions) ([]*Annotation, error) {
	where := []string{"annotation_id IS NULL"}
	var args []any
	if opts.ActiveOnly {
		where = append(where, "active = 1")
	}
	if opts.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, opts.ItemID)
	}
	if opts.CreatorID != "" {
		where = append(where, "creator_id = ?")
		args = append(args, opts.CreatorID)
	}
	if opts.Name != "" {
		where = append(where, "name = ?")
		args = append(args, opts.Name)
	}
	if opts.Text != "" {
		where = append(where, "(name LIKE ? OR description LIKE ?)")
		pattern := "%" + opts.Text + "%"
		args = append(args, pattern, pattern)
	}

	order := "name COLLATE NOCASE"
	switch opts.SortField {
	case "created":
		order = "created"
	case "updated":
		order = "updated"
	case "_id", "id":
		order = "id"
	}
	if opts.SortDir < 0 {
		order += " DESC"
	}

	rows, err := s.db.QueryContext(ctx,
		selectHeaderColumns+" FROM annotations WHERE "+
			strings.Join(where, " AND ")+" ORDER BY "+order, args...)
	if err != nil {
		return nil, errors.Wrap(err, "find annotations")
	}
	defer rows.Close()

	results := []*Annotation{}
	var skipped int64
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		if !access.Can(opts.Principal, a.Access, a.Public, opts.Level) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		results = append(results, a)
		if opts.Limit > 0 && int64(len(results)) >= opts.Limit {
			break
		}
	}
	return results, rows.Err()
}

// CountActive counts the caller-visible active annotations of an item.
func (s *Store) CountActive(ctx context.Context, itemID string, p *access.Principal) (int64, error) {
	annotations, err := s.Find(ctx, FindOptions{
		ItemID: itemID, ActiveOnly: true, Principal: p, Level: access.Read,
	})
	if err != nil {
		return 0, err
	}
	return int64(len(annotations)), nil
}

var nameTokenSplit = regexp.MustCompile(`[\W_]+`)

// matchImageName reports whether an image name, or any token of it, begins
// with the match string.  Case-insensitive; tokens split on non-word runs.
func matchImageName(imageName, matchString string) bool {
	matchString = strings.ToLower(matchString)
	imageName = strings.ToLower(imageName)
	if strings.HasPrefix(imageName, matchString) {
		return true
	}
	for _, token := range nameTokenSplit.Split(imageName, -1) {
		if strings.HasPrefix(token, matchString) {
			return true
		}
	}
	return false
}

// FindAnnotatedImages lists items that have at least one active annotation,
// most recently updated first, skipping items the caller cannot read.
func (s *Store) FindAnnotatedImages(ctx context.Context, creator *User, nameFilter string, p *access.Principal, limit, offset int64) ([]*Item, error) {
	where := "annotation_id IS NULL AND active = 1"
	var args []any
	if creator != nil {
		where += " AND creator_id = ?"
		args = append(args, creator.ID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id FROM annotations WHERE `+where+` ORDER BY updated DESC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "find annotated images")
	}
	var itemIDs []string
	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			rows.Close()
			return nil, err
		}
		itemIDs = append(itemIDs, itemID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	images := []*Item{}
	seen := map[string]struct{}{}
	for _, itemID := range itemIDs {
		if _, done := seen[itemID]; done {
			continue
		}
		item, err := s.GetItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if item == nil || !s.itemReadable(ctx, p, item) {
			continue
		}
		if !matchImageName(item.Name, nameFilter) {
			continue
		}
		if int64(len(seen)) >= offset {
			images = append(images, item)
		}
		seen[itemID] = struct{}{}
		if limit > 0 && int64(len(images)) >= limit {
			break
		}
	}
	return images, nil
}

func (s *Store) itemReadable(ctx context.Context, p *access.Principal, item *Item) bool {
	return s.ItemAccessible(ctx, p, item, access.Read)
}

// ItemAccessible reports whether the principal holds the required level on an
// item.  Items inherit their folder's access record.
func (s *Store) ItemAccessible(ctx context.Context, p *access.Principal, item *Item, level access.Level) bool {
	folder, err := s.GetFolder(ctx, item.FolderID)
	if err != nil || folder == nil {
		return false
	}
	return access.Can(p, folder.Access, folder.Public, level)
}

// MarkItemAnnotationsRemoved reacts to an item removal: annotations of the
// item are deactivated when history is on, deleted otherwise.
func (s *Store) MarkItemAnnotationsRemoved(ctx context.Context, itemID string) error {
	annotations, err := s.Find(ctx, FindOptions{
		ItemID: itemID, Principal: &access.Principal{Admin: true}, Level: access.Read,
	})
	if err != nil {
		return err
	}
	for _, a := range annotations {
		if err := s.Remove(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// CopyItemAnnotations clones every active annotation of the source item under
// the destination item, with fresh ids and the destination folder's access.
func (s *Store) CopyItemAnnotations(ctx context.Context, srcItemID string, dest *Item) (int, error) {
	admin := &access.Principal{Admin: true}
	annotations, err := s.Find(ctx, FindOptions{
		ItemID: srcItemID, ActiveOnly: true, Principal: admin, Level: access.Read,
	})
	if err != nil {
		return 0, err
	}
	folder, err := s.GetFolder(ctx, dest.FolderID)
	if err != nil {
		return 0, err
	}
	count := 0
	for idx, header := range annotations {
		s.log.Info("copying annotation",
			zap.Int("index", idx+1), zap.Int("total", len(annotations)),
			zap.String("from", srcItemID), zap.String("to", dest.ID))
		a, err := s.Load(ctx, header.ID, nil, true, admin, access.Read)
		if errors.Is(err, ErrNotFound) {
			// Deleted while we were copying its siblings.
			continue
		}
		if err != nil {
			return count, err
		}
		a.ItemID = dest.ID
		a.ID = ""
		a.Access = nil
		a.Groups = nil
		if folder != nil {
			a.Access = folder.Access.Copy()
			a.Public = folder.Public
		}
		if a.Access == nil {
			a.Access = &access.ACL{}
		}
		if _, err := s.Save(ctx, a); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// injectGroupSet fills and persists the header's distinct element group list
// when it is missing.
func (s *Store) injectGroupSet(ctx context.Context, a *Annotation) error {
	if a.Groups != nil {
		return nil
	}
	groups, err := s.DistinctGroups(ctx, a.liveID(), a.Version)
	if err != nil {
		return err
	}
	a.Groups = groups
	raw, err := headerJSON.Marshal(groups)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE annotations SET groups = ? WHERE id = ?`, string(raw), a.ID)
	return errors.Wrap(err, "persist groups")
}

const selectHeaderColumns = `SELECT id, annotation_id, item_id, creator_id, updated_id,
	created, updated, version, active, public, public_flags, access,
	name, description, attributes, groups`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (*Annotation, error) {
	var (
		a                    Annotation
		annotationID         sql.NullString
		creatorID, updatedID sql.NullString
		active, public       int
		publicFlags, acl     sql.NullString
		description, attrs   sql.NullString
		groups               sql.NullString
	)
	err := row.Scan(&a.ID, &annotationID, &a.ItemID, &creatorID, &updatedID,
		&a.Created, &a.Updated, &a.Version, &active, &public, &publicFlags, &acl,
		&a.Annotation.Name, &description, &attrs, &groups)
	if err != nil {
		return nil, err
	}
	a.AnnotationID = annotationID.String
	a.CreatorID = creatorID.String
	a.UpdatedID = updatedID.String
	a.Active = active != 0
	a.Public = public != 0
	if publicFlags.Valid && publicFlags.String != "" {
		if err := headerJSON.UnmarshalFromString(publicFlags.String, &a.PublicFlags); err != nil {
			return nil, err
		}
	}
	if acl.Valid && acl.String != "" {
		a.Access = &access.ACL{}
		if err := headerJSON.UnmarshalFromString(acl.String, a.Access); err != nil {
			return nil, err
		}
	}
	a.Annotation.Description = description.String
	if attrs.Valid && attrs.String != "" {
		if err := headerJSON.UnmarshalFromString(attrs.String, &a.Annotation.Attributes); err != nil {
			return nil, err
		}
	}
	if groups.Valid && groups.String != "" {
		if err := headerJSON.UnmarshalFromString(groups.String, &a.Groups); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// headerByID fetches one header row by physical id, without elements.
func (s *Store) headerByID(ctx context.Context, id string) (*Annotation, error) {
	row := s.db.QueryRowContext(ctx,
		selectHeaderColumns+` FROM annotations WHERE id = ?`, id)
	a, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load annotation header")
	}
	return a, nil
}

// writeHeader inserts or replaces a header row keyed by physical id.
func (s *Store) writeHeader(ctx context.Context, a *Annotation) error {
	var annotationID any
	if a.AnnotationID != "" {
		annotationID = a.AnnotationID
	}
	var publicFlags, acl, attrs, groups any
	if len(a.PublicFlags) > 0 {
		raw, err := headerJSON.Marshal(a.PublicFlags)
		if err != nil {
			return err
		}
		publicFlags = string(raw)
	}
	if a.Access != nil {
		raw, err := headerJSON.Marshal(a.Access)
		if err != nil {
			return err
		}
		acl = string(raw)
	}
	if a.Annotation.Attributes != nil {
		raw, err := headerJSON.Marshal(a.Annotation.Attributes)
		if err != nil {
			return err
		}
		attrs = string(raw)
	}
	if a.Groups != nil {
		raw, err := headerJSON.Marshal(a.Groups)
		if err != nil {
			return err
		}
		groups = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO annotations
			(id, annotation_id, item_id, creator_id, updated_id, created, updated,
			 version, active, public, public_flags, access, name, description,
			 attributes, groups)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, annotationID, a.ItemID, a.CreatorID, a.UpdatedID, a.Created,
		a.Updated, a.Version, boolToInt(a.Active), boolToInt(a.Public),
		publicFlags, acl, a.Annotation.Name, a.Annotation.Description,
		attrs, groups)
	return errors.Wrap(err, "write annotation header")
}

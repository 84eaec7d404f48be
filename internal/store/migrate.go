package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/wholeslide/annostore/internal/access"
)

// Migrate runs the one-shot startup migrations: headers missing an access
// record get the folder's ACL with the creator granted admin, and headers
// missing a groups list get one computed.  Records with missing items,
// folders or users are logged and skipped.
func (s *Store) Migrate(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		selectHeaderColumns+` FROM annotations WHERE access IS NULL`)
	if err != nil {
		return err
	}
	var missingAccess []*Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			rows.Close()
			return err
		}
		missingAccess = append(missingAccess, a)
	}
	rows.Close()
	for _, a := range missingAccess {
		s.migrateACL(ctx, a)
	}

	rows, err = s.db.QueryContext(ctx,
		selectHeaderColumns+` FROM annotations WHERE groups IS NULL`)
	if err != nil {
		return err
	}
	var missingGroups []*Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			rows.Close()
			return err
		}
		missingGroups = append(missingGroups, a)
	}
	rows.Close()
	for _, a := range missingGroups {
		if err := s.injectGroupSet(ctx, a); err != nil {
			s.log.Warn("could not compute annotation groups",
				zap.String("annotation", a.ID), zap.Error(err))
		}
	}
	return nil
}

// migrateACL copies the folder's access onto an annotation created before
// annotations were access controlled, granting the creator admin.
func (s *Store) migrateACL(ctx context.Context, a *Annotation) {
	item, err := s.GetItem(ctx, a.ItemID)
	if err != nil || item == nil {
		s.log.Warn("could not generate annotation ACL due to missing item",
			zap.String("annotation", a.ID), zap.Error(err))
		return
	}
	folder, err := s.GetFolder(ctx, item.FolderID)
	if err != nil || folder == nil {
		s.log.Warn("could not generate annotation ACL due to missing folder",
			zap.String("annotation", a.ID), zap.Error(err))
		return
	}
	user, err := s.GetUser(ctx, a.CreatorID)
	if err != nil || user == nil {
		s.log.Warn("could not generate annotation ACL due to missing user",
			zap.String("annotation", a.ID), zap.Error(err))
		return
	}
	acl := folder.Access.Copy()
	if acl == nil {
		acl = &access.ACL{}
	}
	acl.Grant(user.ID, access.Admin)
	public := folder.Public
	if err := s.SetAccessList(ctx, a, acl, &public); err != nil {
		s.log.Warn("could not persist annotation ACL",
			zap.String("annotation", a.ID), zap.Error(err))
		return
	}
	s.log.Info("generated annotation ACL", zap.String("annotation", a.ID))
}

// Package store provides SQLite-backed persistence for annotations and their
// elements.  An annotation header and its (potentially millions of) elements
// are stored separately and stitched together by a shared version number, so
// readers always observe a complete snapshot without multi-row transactions.
package store

import (
	"github.com/pkg/errors"

	"github.com/wholeslide/annostore/internal/access"
	"github.com/wholeslide/annostore/pkg/geometry"
	"github.com/wholeslide/annostore/pkg/query"
)

// Sentinel errors for the error kinds callers dispatch on.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
)

// Annotation is a header row plus, when loaded, its element set.  Archived
// history rows carry AnnotationID pointing at the live header; the live row
// leaves it empty.
type Annotation struct {
	ID           string      `json:"_id"`
	AnnotationID string      `json:"_annotationId,omitempty"`
	ItemID       string      `json:"itemId"`
	CreatorID    string      `json:"creatorId"`
	UpdatedID    string      `json:"updatedId"`
	Created      int64       `json:"created"`
	Updated      int64       `json:"updated"`
	Version      int64       `json:"_version"`
	Active       bool        `json:"_active"`
	Public       bool        `json:"public"`
	PublicFlags  []string    `json:"publicFlags,omitempty"`
	Access       *access.ACL `json:"access,omitempty"`
	Groups       []*string   `json:"groups"`
	Annotation   Body        `json:"annotation"`
	VersionID    string      `json:"_versionId,omitempty"`
	ElementQuery *query.Info `json:"_elementQuery,omitempty"`
}

// Body is the caller-facing annotation document.
type Body struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Attributes  map[string]any     `json:"attributes,omitempty"`
	Elements    []geometry.Element `json:"elements"`
}

// ElementEntry is one persisted element row.
type ElementEntry struct {
	ID           string
	AnnotationID string
	Version      int64
	Created      int64
	BBox         geometry.BBox
	Element      geometry.Element
}

// Centroid is the compact per-element record of a centroid query.
type Centroid struct {
	ID        string
	CX        float64
	CY        float64
	Size      float64
	PropIndex int32
}

// Item is an image item that annotations attach to.
type Item struct {
	ID       string         `json:"_id"`
	FolderID string         `json:"folderId"`
	Name     string         `json:"name"`
	Meta     map[string]any `json:"meta,omitempty"`
	Created  int64          `json:"created"`
	Updated  int64          `json:"updated"`
}

// Folder groups items and is the source annotations copy their access from.
type Folder struct {
	ID       string         `json:"_id"`
	ParentID string         `json:"parentId,omitempty"`
	Name     string         `json:"name"`
	Public   bool           `json:"public"`
	Access   *access.ACL    `json:"access,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// User is a minimal principal record.
type User struct {
	ID    string `json:"_id"`
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin"`
}

// Principal converts a user row into an access principal.
func (u *User) Principal() *access.Principal {
	if u == nil {
		return nil
	}
	return &access.Principal{ID: u.ID, Admin: u.Admin}
}

// liveID returns the logical annotation id: the live header id for archived
// rows, the row's own id otherwise.
func (a *Annotation) liveID() string {
	if a.AnnotationID != "" {
		return a.AnnotationID
	}
	return a.ID
}

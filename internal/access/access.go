// Package access holds the access-control records attached to annotations
// and folders, and the checks the store performs before returning them.
// Authentication happens outside this module; callers hand the store an
// already-resolved principal.
package access

import (
	"github.com/pkg/errors"
)

// Level is a resource permission level.
type Level int

const (
	None  Level = -1
	Read  Level = 0
	Write Level = 1
	Admin Level = 2
)

// ErrDenied reports a failed permission check.
var ErrDenied = errors.New("access denied")

// Grant gives one principal or group a permission level.
type Grant struct {
	ID    string `json:"id"`
	Level Level  `json:"level"`
}

// ACL is the access-control list stored on annotations and folders.
type ACL struct {
	Users  []Grant `json:"users"`
	Groups []Grant `json:"groups"`
}

// Principal is the acting user, as resolved by the caller.
type Principal struct {
	ID     string
	Groups []string
	Admin  bool
}

// Copy returns a deep copy of the ACL.
func (a *ACL) Copy() *ACL {
	if a == nil {
		return nil
	}
	out := &ACL{
		Users:  append([]Grant(nil), a.Users...),
		Groups: append([]Grant(nil), a.Groups...),
	}
	return out
}

// Grant sets the level for a user, replacing any existing grant.
func (a *ACL) Grant(userID string, level Level) {
	for i, g := range a.Users {
		if g.ID == userID {
			a.Users[i].Level = level
			return
		}
	}
	a.Users = append(a.Users, Grant{ID: userID, Level: level})
}

// LevelFor returns the highest level the principal holds on this ACL, or
// None.
func (a *ACL) LevelFor(p *Principal) Level {
	if p == nil || a == nil {
		return None
	}
	level := None
	for _, g := range a.Users {
		if g.ID == p.ID && g.Level > level {
			level = g.Level
		}
	}
	for _, g := range a.Groups {
		for _, member := range p.Groups {
			if g.ID == member && g.Level > level {
				level = g.Level
			}
		}
	}
	return level
}

// Can reports whether the principal holds the required level on a resource.
// Admins can do anything; public resources are readable by anyone, including
// anonymous callers.
func Can(p *Principal, acl *ACL, public bool, required Level) bool {
	if p != nil && p.Admin {
		return true
	}
	if public && required <= Read {
		return true
	}
	return acl.LevelFor(p) >= required
}

// Require returns ErrDenied unless the principal holds the required level.
func Require(p *Principal, acl *ACL, public bool, required Level) error {
	if !Can(p, acl, public, required) {
		return ErrDenied
	}
	return nil
}

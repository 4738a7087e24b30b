package services

import (
	"slices"

	"github.com/cmdb-studio/relgraph/internal/models"
)

// DataScope limits which CIs a caller may see.
type DataScope string

const (
	ScopeAll        DataScope = "all"
	ScopeDepartment DataScope = "department"
	ScopeSelf       DataScope = "self"
)

// Access is the caller's visibility over CIs. Department scope carries the
// already-expanded department set, children included.
type Access struct {
	UserID        uint
	Admin         bool
	Scope         DataScope
	DepartmentIDs []uint
}

// FullAccess sees everything; used by background jobs.
var FullAccess = Access{Admin: true, Scope: ScopeAll}

// CanSee reports whether ci is visible to the caller.
func (a Access) CanSee(ci *models.CIInstance) bool {
	if a.Admin || a.Scope == ScopeAll {
		return true
	}
	switch a.Scope {
	case ScopeDepartment:
		return ci.DepartmentID != nil && slices.Contains(a.DepartmentIDs, *ci.DepartmentID)
	case ScopeSelf:
		return ci.CreatedBy != nil && *ci.CreatedBy == a.UserID
	default:
		return false
	}
}

// EdgeVisible is the traversal predicate: both endpoints must be visible.
func (a Access) EdgeVisible(source, target *models.CIInstance) bool {
	return a.CanSee(source) && a.CanSee(target)
}

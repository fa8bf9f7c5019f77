// Coweave
// Copyright (C) 2025 Coweave, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package auth

// AccessPolicy decides whether an authenticated principal may open a
// document.
type AccessPolicy interface {
	// MayOpen returns true if the principal may attach to the document.
	MayOpen(principal Principal, documentID string) bool
}

// OpenPolicy is the standard access policy. An explicit per-document
// verdict in the token wins; the doc:admin permission grants everything
// else; remaining documents fall back to DefaultOpen.
type OpenPolicy struct {
	// DefaultOpen is the verdict for documents the token says nothing
	// about.
	DefaultOpen bool
}

// MayOpen implements AccessPolicy.
func (p OpenPolicy) MayOpen(principal Principal, documentID string) bool {
	if verdict, ok := principal.DocumentAccess[documentID]; ok {
		return verdict
	}
	if principal.HasPermission(PermissionDocAdmin) {
		return true
	}
	return p.DefaultOpen
}

// Package platform adapts the chat platform's membership, role and audit log
// APIs to plain string identifiers.
package platform

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrForbidden is a hierarchy or permission denial on a role change.
	ErrForbidden = errors.New("platform: forbidden")
	// ErrAuditForbidden means the audit log could not be read.
	ErrAuditForbidden = errors.New("platform: audit log forbidden")
	ErrRoleNotFound   = errors.New("platform: role not found")
)

type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Mention renders the role the way chat messages reference it.
func (r Role) Mention() string {
	return "<@&" + r.ID + ">"
}

// AuditEntry is one member-role-update entry of the audit log.
type AuditEntry struct {
	ActorID  string
	TargetID string
}

// MemberRolesChanged is a member update whose role set differs.
type MemberRolesChanged struct {
	GuildID  string
	MemberID string
	Before   []string
	After    []string
	At       time.Time
}

// Diff returns the role IDs present only in After and only in Before.
func (e MemberRolesChanged) Diff() (added, removed []string) {
	before := make(map[string]struct{}, len(e.Before))
	for _, id := range e.Before {
		before[id] = struct{}{}
	}
	after := make(map[string]struct{}, len(e.After))
	for _, id := range e.After {
		after[id] = struct{}{}
		if _, ok := before[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range e.Before {
		if _, ok := after[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}

type MemberUpdateHandler func(context.Context, MemberRolesChanged) error

package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory simulates a set of guilds. Role changes are recorded in the audit
// log and delivered to subscribers asynchronously, like the gateway does.
type Memory struct {
	mu             sync.Mutex
	selfID         string
	roles          map[string][]Role
	members        map[string]map[string]map[string]struct{}
	audit          map[string][]AuditEntry
	forbidden      map[string]bool
	auditForbidden bool
	handlers       []MemberUpdateHandler
	pending        sync.WaitGroup
}

func NewMemory(selfID string) *Memory {
	return &Memory{
		selfID:    selfID,
		roles:     make(map[string][]Role),
		members:   make(map[string]map[string]map[string]struct{}),
		audit:     make(map[string][]AuditEntry),
		forbidden: make(map[string]bool),
	}
}

func (m *Memory) SelfID() string { return m.selfID }

// AddGuildRole registers a role in the guild.
func (m *Memory) AddGuildRole(guildID string, role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[guildID] = append(m.roles[guildID], role)
}

// Forbid makes every change of roleID fail as a hierarchy violation.
func (m *Memory) Forbid(roleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forbidden[roleID] = true
}

// ForbidAuditLog makes audit log reads fail.
func (m *Memory) ForbidAuditLog(forbidden bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditForbidden = forbidden
}

func (m *Memory) OnMemberUpdate(handler MemberUpdateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Wait blocks until every dispatched member update has been handled.
func (m *Memory) Wait() {
	m.pending.Wait()
}

func (m *Memory) GuildRoles(_ context.Context, guildID string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Role(nil), m.roles[guildID]...), nil
}

func (m *Memory) MemberRoles(_ context.Context, guildID, memberID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memberRolesLocked(guildID, memberID), nil
}

func (m *Memory) HasRole(guildID, memberID, roleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[guildID][memberID][roleID]
	return ok
}

func (m *Memory) AddRole(_ context.Context, guildID, memberID, roleID string) error {
	return m.change(guildID, memberID, roleID, m.selfID, true)
}

func (m *Memory) RemoveRole(_ context.Context, guildID, memberID, roleID string) error {
	return m.change(guildID, memberID, roleID, m.selfID, false)
}

// ManualAddRole simulates a staff member granting a role through the
// platform's own UI.
func (m *Memory) ManualAddRole(guildID, memberID, roleID, actorID string) error {
	return m.change(guildID, memberID, roleID, actorID, true)
}

// ManualRemoveRole simulates a staff member revoking a role through the
// platform's own UI.
func (m *Memory) ManualRemoveRole(guildID, memberID, roleID, actorID string) error {
	return m.change(guildID, memberID, roleID, actorID, false)
}

func (m *Memory) RecentRoleUpdates(_ context.Context, guildID string, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditForbidden {
		return nil, ErrAuditForbidden
	}
	entries := m.audit[guildID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return append([]AuditEntry(nil), entries...), nil
}

func (m *Memory) change(guildID, memberID, roleID, actorID string, add bool) error {
	m.mu.Lock()
	if m.forbidden[roleID] {
		m.mu.Unlock()
		return fmt.Errorf("change role %s: %w", roleID, ErrForbidden)
	}

	before := m.memberRolesLocked(guildID, memberID)
	if m.members[guildID] == nil {
		m.members[guildID] = make(map[string]map[string]struct{})
	}
	if m.members[guildID][memberID] == nil {
		m.members[guildID][memberID] = make(map[string]struct{})
	}
	if add {
		m.members[guildID][memberID][roleID] = struct{}{}
	} else {
		delete(m.members[guildID][memberID], roleID)
	}
	after := m.memberRolesLocked(guildID, memberID)
	if len(before) == len(after) {
		m.mu.Unlock()
		return nil
	}

	// newest entries first, like the real audit log
	m.audit[guildID] = append([]AuditEntry{{ActorID: actorID, TargetID: memberID}}, m.audit[guildID]...)

	event := MemberRolesChanged{GuildID: guildID, MemberID: memberID, Before: before, After: after, At: time.Now().UTC()}
	handlers := append([]MemberUpdateHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, handler := range handlers {
		m.pending.Add(1)
		go func(handler MemberUpdateHandler) {
			defer m.pending.Done()
			_ = handler(context.Background(), event)
		}(handler)
	}
	return nil
}

func (m *Memory) memberRolesLocked(guildID, memberID string) []string {
	roles := make([]string, 0, len(m.members[guildID][memberID]))
	for roleID := range m.members[guildID][memberID] {
		roles = append(roles, roleID)
	}
	sort.Strings(roles)
	return roles
}

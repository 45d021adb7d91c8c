package platform

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberRolesChangedDiff(t *testing.T) {
	event := MemberRolesChanged{Before: []string{"a", "b", "c"}, After: []string{"b", "c", "d"}}
	added, removed := event.Diff()
	assert.Equal(t, []string{"d"}, added)
	assert.Equal(t, []string{"a"}, removed)
}

func TestRoleMention(t *testing.T) {
	assert.Equal(t, "<@&42>", Role{ID: "42", Name: "Verified"}.Mention())
}

func TestMemoryRoleChangesAreAudited(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot")

	require.NoError(t, m.AddRole(ctx, "g1", "m1", "r1"))
	require.NoError(t, m.ManualAddRole("g1", "m2", "r1", "staff"))
	require.NoError(t, m.ManualRemoveRole("g1", "m1", "r1", "staff"))

	roles, err := m.MemberRoles(ctx, "g1", "m1")
	require.NoError(t, err)
	assert.Empty(t, roles)
	assert.True(t, m.HasRole("g1", "m2", "r1"))

	entries, err := m.RecentRoleUpdates(ctx, "g1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditEntry{ActorID: "staff", TargetID: "m1"}, entries[0])
	assert.Equal(t, AuditEntry{ActorID: "staff", TargetID: "m2"}, entries[1])

	all, err := m.RecentRoleUpdates(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Equal(t, AuditEntry{ActorID: "bot", TargetID: "m1"}, all[2])
}

func TestMemoryNoopChangeIsNotAudited(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot")
	require.NoError(t, m.RemoveRole(ctx, "g1", "m1", "r1"))

	entries, err := m.RecentRoleUpdates(ctx, "g1", 3)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryForbidden(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot")
	m.Forbid("r1")
	require.ErrorIs(t, m.AddRole(ctx, "g1", "m1", "r1"), ErrForbidden)
	assert.False(t, m.HasRole("g1", "m1", "r1"))

	m.ForbidAuditLog(true)
	_, err := m.RecentRoleUpdates(ctx, "g1", 3)
	require.ErrorIs(t, err, ErrAuditForbidden)
}

func TestMemoryDispatchesMemberUpdates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("bot")

	var mu sync.Mutex
	var events []MemberRolesChanged
	m.OnMemberUpdate(func(_ context.Context, e MemberRolesChanged) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		return nil
	})

	require.NoError(t, m.AddRole(ctx, "g1", "m1", "r1"))
	require.NoError(t, m.AddRole(ctx, "g1", "m1", "r1"))
	m.Wait()

	require.Len(t, events, 1)
	assert.Empty(t, events[0].Before)
	assert.Equal(t, []string{"r1"}, events[0].After)
}

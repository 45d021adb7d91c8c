package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process grant store and case ledger used by tests and
// local runs without Postgres.
type MemoryStore struct {
	mu        sync.Mutex
	grants    map[string]RoleGrant
	caseTypes map[string]CaseType
	cases     map[string][]Case
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants:    make(map[string]RoleGrant),
		caseTypes: make(map[string]CaseType),
		cases:     make(map[string][]Case),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetRoleGrant(_ context.Context, roleID string) (RoleGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grantLocked(roleID).Clone(), nil
}

func (s *MemoryStore) SetAddable(_ context.Context, roleID string, addable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant := s.grantLocked(roleID)
	grant.Addable = addable
	s.grants[roleID] = grant
	return nil
}

func (s *MemoryStore) SetUsers(_ context.Context, roleID string, users map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant := s.grantLocked(roleID)
	grant.Users = users
	s.grants[roleID] = grant.Clone()
	return nil
}

func (s *MemoryStore) UpdateRoleGrant(_ context.Context, roleID string, fn func(*RoleGrant) error) (RoleGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant := s.grantLocked(roleID).Clone()
	if err := fn(&grant); err != nil {
		return RoleGrant{}, err
	}
	s.grants[roleID] = grant.Clone()
	return grant, nil
}

func (s *MemoryStore) grantLocked(roleID string) RoleGrant {
	grant, ok := s.grants[roleID]
	if !ok {
		return DefaultRoleGrant(roleID)
	}
	if grant.Users == nil {
		grant.Users = map[string]int64{}
	}
	return grant
}

func (s *MemoryStore) RegisterCaseType(_ context.Context, caseType CaseType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caseTypes[caseType.Name]; !ok {
		s.caseTypes[caseType.Name] = caseType
	}
	return nil
}

func (s *MemoryStore) CreateCase(_ context.Context, input NewCase) (Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	item := Case{
		GuildID:     input.GuildID,
		Number:      int64(len(s.cases[input.GuildID]) + 1),
		Type:        input.Type,
		TargetID:    input.TargetID,
		ModeratorID: input.ModeratorID,
		Reason:      input.Reason,
		CreatedAt:   createdAt,
	}
	s.cases[input.GuildID] = append(s.cases[input.GuildID], item)
	return item, nil
}

func (s *MemoryStore) GetCase(_ context.Context, guildID string, number int64) (Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.caseIndexLocked(guildID, number)
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	return s.cases[guildID][index], nil
}

func (s *MemoryStore) EditCase(_ context.Context, guildID string, number int64, edit CaseEdit) (Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.caseIndexLocked(guildID, number)
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	item := s.cases[guildID][index]
	item.Reason += edit.AppendReason
	if edit.AmendedBy != "" {
		item.AmendedBy = edit.AmendedBy
	}
	modifiedAt := edit.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = time.Now().UTC()
	}
	item.ModifiedAt = &modifiedAt
	s.cases[guildID][index] = item
	return item, nil
}

// DeleteCase drops a case from the journal, as an expired modlog would.
func (s *MemoryStore) DeleteCase(guildID string, number int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index, ok := s.caseIndexLocked(guildID, number); ok {
		s.cases[guildID][index].Number = -1
	}
}

// Cases lists the cases of a guild, optionally filtered by target.
func (s *MemoryStore) Cases(guildID, targetID string) []Case {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Case, 0)
	for _, item := range s.cases[guildID] {
		if item.Number < 0 {
			continue
		}
		if targetID != "" && item.TargetID != targetID {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (s *MemoryStore) caseIndexLocked(guildID string, number int64) (int, bool) {
	index := int(number - 1)
	if number <= 0 || index >= len(s.cases[guildID]) || s.cases[guildID][index].Number != number {
		return 0, false
	}
	return index, true
}

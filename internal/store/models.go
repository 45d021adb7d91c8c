package store

import (
	"errors"
	"time"
)

var ErrCaseNotFound = errors.New("case not found")

// RoleGrant is the tracked state of one role. Users maps member IDs to the
// case number documenting the grant.
type RoleGrant struct {
	RoleID  string
	Addable bool
	Users   map[string]int64
}

func DefaultRoleGrant(roleID string) RoleGrant {
	return RoleGrant{RoleID: roleID, Users: map[string]int64{}}
}

// Clone returns a copy whose Users map is not shared with g.
func (g RoleGrant) Clone() RoleGrant {
	users := make(map[string]int64, len(g.Users))
	for member, caseNumber := range g.Users {
		users[member] = caseNumber
	}
	g.Users = users
	return g
}

type CaseType struct {
	Name           string
	DefaultSetting bool
	Image          string
	CaseStr        string
}

const CaseTypeRoleUpdate = "roleupdate"

var RoleUpdateCaseType = CaseType{
	Name:           CaseTypeRoleUpdate,
	DefaultSetting: true,
	Image:          "\U0001F4C4",
	CaseStr:        "Role Update",
}

type Case struct {
	GuildID     string
	Number      int64
	Type        string
	TargetID    string
	ModeratorID string
	Reason      string
	CreatedAt   time.Time
	ModifiedAt  *time.Time
	AmendedBy   string
}

type NewCase struct {
	GuildID     string
	CreatedAt   time.Time
	Type        string
	TargetID    string
	ModeratorID string
	Reason      string
}

// CaseEdit amends an existing case. AppendReason is concatenated to the
// current reason; an empty AmendedBy leaves the field untouched.
type CaseEdit struct {
	AppendReason string
	AmendedBy    string
	ModifiedAt   time.Time
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps role grant records and the case ledger. Grant records
// are scoped by namespace; cases are scoped by guild.
type PostgresStore struct {
	db        *sql.DB
	namespace string
}

func NewPostgresStore(db *sql.DB, namespace string) *PostgresStore {
	return &PostgresStore{db: db, namespace: namespace}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetRoleGrant(ctx context.Context, roleID string) (RoleGrant, error) {
	grant, err := scanRoleGrant(roleID, s.db.QueryRowContext(ctx, `
		SELECT addable, users FROM role_grants WHERE namespace=$1 AND role_id=$2
	`, s.namespace, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultRoleGrant(roleID), nil
	}
	if err != nil {
		return RoleGrant{}, fmt.Errorf("read role grant: %w", err)
	}
	return grant, nil
}

func (s *PostgresStore) SetAddable(ctx context.Context, roleID string, addable bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_grants (namespace, role_id, addable)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, role_id) DO UPDATE
		SET addable=EXCLUDED.addable, version=role_grants.version+1, updated_at=NOW()
	`, s.namespace, roleID, addable)
	if err != nil {
		return fmt.Errorf("set addable: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetUsers(ctx context.Context, roleID string, users map[string]int64) error {
	payload, err := marshalUsers(users)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_grants (namespace, role_id, users)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (namespace, role_id) DO UPDATE
		SET users=EXCLUDED.users, version=role_grants.version+1, updated_at=NOW()
	`, s.namespace, roleID, payload)
	if err != nil {
		return fmt.Errorf("set users: %w", err)
	}
	return nil
}

// UpdateRoleGrant applies fn to the current record while holding a row lock,
// so concurrent updates of the same role are serialized across processes.
func (s *PostgresStore) UpdateRoleGrant(ctx context.Context, roleID string, fn func(*RoleGrant) error) (RoleGrant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RoleGrant{}, fmt.Errorf("begin role grant tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO role_grants (namespace, role_id) VALUES ($1, $2)
		ON CONFLICT (namespace, role_id) DO NOTHING
	`, s.namespace, roleID); err != nil {
		return RoleGrant{}, fmt.Errorf("ensure role grant: %w", err)
	}

	grant, err := scanRoleGrant(roleID, tx.QueryRowContext(ctx, `
		SELECT addable, users FROM role_grants WHERE namespace=$1 AND role_id=$2 FOR UPDATE
	`, s.namespace, roleID))
	if err != nil {
		return RoleGrant{}, fmt.Errorf("lock role grant: %w", err)
	}

	if err := fn(&grant); err != nil {
		return RoleGrant{}, err
	}

	payload, err := marshalUsers(grant.Users)
	if err != nil {
		return RoleGrant{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE role_grants
		SET addable=$3, users=$4::jsonb, version=version+1, updated_at=NOW()
		WHERE namespace=$1 AND role_id=$2
	`, s.namespace, roleID, grant.Addable, payload); err != nil {
		return RoleGrant{}, fmt.Errorf("write role grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RoleGrant{}, fmt.Errorf("commit role grant: %w", err)
	}
	return grant.Clone(), nil
}

func scanRoleGrant(roleID string, row *sql.Row) (RoleGrant, error) {
	grant := DefaultRoleGrant(roleID)
	var raw []byte
	if err := row.Scan(&grant.Addable, &raw); err != nil {
		return RoleGrant{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &grant.Users); err != nil {
			return RoleGrant{}, fmt.Errorf("decode users: %w", err)
		}
	}
	if grant.Users == nil {
		grant.Users = map[string]int64{}
	}
	return grant, nil
}

func marshalUsers(users map[string]int64) (string, error) {
	if users == nil {
		users = map[string]int64{}
	}
	payload, err := json.Marshal(users)
	if err != nil {
		return "", fmt.Errorf("encode users: %w", err)
	}
	return string(payload), nil
}

func (s *PostgresStore) RegisterCaseType(ctx context.Context, caseType CaseType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_types (name, default_setting, image, case_str)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`, caseType.Name, caseType.DefaultSetting, caseType.Image, caseType.CaseStr)
	if err != nil {
		return fmt.Errorf("register case type: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateCase(ctx context.Context, input NewCase) (Case, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Case{}, fmt.Errorf("begin case tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var number int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO guild_case_counters (guild_id, last_case) VALUES ($1, 1)
		ON CONFLICT (guild_id) DO UPDATE SET last_case = guild_case_counters.last_case + 1
		RETURNING last_case
	`, input.GuildID).Scan(&number); err != nil {
		return Case{}, fmt.Errorf("next case number: %w", err)
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	item, err := scanCase(tx.QueryRowContext(ctx, `
		INSERT INTO cases (guild_id, case_number, case_type, target_id, moderator_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+caseColumns,
		input.GuildID, number, input.Type, input.TargetID, input.ModeratorID, input.Reason, createdAt))
	if err != nil {
		return Case{}, fmt.Errorf("insert case: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Case{}, fmt.Errorf("commit case: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetCase(ctx context.Context, guildID string, number int64) (Case, error) {
	item, err := scanCase(s.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM cases WHERE guild_id=$1 AND case_number=$2
	`, guildID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrCaseNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("read case: %w", err)
	}
	return item, nil
}

// EditCase appends to the reason; the append-only trigger rejects anything else.
func (s *PostgresStore) EditCase(ctx context.Context, guildID string, number int64, edit CaseEdit) (Case, error) {
	modifiedAt := edit.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = time.Now().UTC()
	}
	item, err := scanCase(s.db.QueryRowContext(ctx, `
		UPDATE cases
		SET reason = reason || $3,
			amended_by = COALESCE(NULLIF($4, ''), amended_by),
			modified_at = $5
		WHERE guild_id=$1 AND case_number=$2
		RETURNING `+caseColumns,
		guildID, number, edit.AppendReason, edit.AmendedBy, modifiedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrCaseNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("edit case: %w", err)
	}
	return item, nil
}

const caseColumns = `guild_id, case_number, case_type, target_id, moderator_id, reason, created_at, modified_at, amended_by`

func scanCase(row *sql.Row) (Case, error) {
	var (
		item       Case
		modifiedAt sql.NullTime
		amendedBy  sql.NullString
	)
	if err := row.Scan(&item.GuildID, &item.Number, &item.Type, &item.TargetID, &item.ModeratorID, &item.Reason, &item.CreatedAt, &modifiedAt, &amendedBy); err != nil {
		return Case{}, err
	}
	if modifiedAt.Valid {
		value := modifiedAt.Time
		item.ModifiedAt = &value
	}
	item.AmendedBy = amendedBy.String
	return item, nil
}

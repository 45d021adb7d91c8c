package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"roletracker/internal/config"
	"roletracker/internal/platform"
	"roletracker/internal/store"
	"roletracker/internal/util"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultGrantReason  = "Added by roletracker"
	defaultRevokeReason = "Removed by roletracker."
	manualAddReason     = "Role manually added"
	manualRemoveReason  = "Role manually removed"
	noAttachment        = "No attachment."

	promptEraseLogs    = "Found logs for role %s, do you want to erase them?"
	promptNoAttachment = "Couldn't find attachment, do you want to continue without adding attachment?"
)

// GrantStore holds one RoleGrant per role. SetUsers replaces the whole map;
// UpdateRoleGrant is the atomic read-modify-write path.
type GrantStore interface {
	GetRoleGrant(ctx context.Context, roleID string) (store.RoleGrant, error)
	SetAddable(ctx context.Context, roleID string, addable bool) error
	SetUsers(ctx context.Context, roleID string, users map[string]int64) error
	UpdateRoleGrant(ctx context.Context, roleID string, fn func(*store.RoleGrant) error) (store.RoleGrant, error)
	Ping(ctx context.Context) error
}

type CaseLedger interface {
	RegisterCaseType(ctx context.Context, caseType store.CaseType) error
	CreateCase(ctx context.Context, input store.NewCase) (store.Case, error)
	GetCase(ctx context.Context, guildID string, number int64) (store.Case, error)
	EditCase(ctx context.Context, guildID string, number int64, edit store.CaseEdit) (store.Case, error)
}

// Membership is the platform's view of who holds which role. It is the
// source of truth for current membership; the grant store only tracks
// provenance.
type Membership interface {
	GuildRoles(ctx context.Context, guildID string) ([]platform.Role, error)
	MemberRoles(ctx context.Context, guildID, memberID string) ([]string, error)
	AddRole(ctx context.Context, guildID, memberID, roleID string) error
	RemoveRole(ctx context.Context, guildID, memberID, roleID string) error
}

type Options struct {
	// SelfID is the system's own acting identity and the fallback moderator.
	SelfID string
	// IsSelf reports whether an actor is the system itself. Defaults to
	// comparing against SelfID.
	IsSelf             func(actorID string) bool
	ConfirmTimeout     time.Duration
	AuditWindow        int
	AuditTimeout       time.Duration
	RecordUnattributed bool
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

func OptionsFromConfig(cfg config.Config, selfID string) Options {
	return Options{
		SelfID:             selfID,
		ConfirmTimeout:     cfg.ConfirmTimeout,
		AuditWindow:        cfg.AuditWindow,
		AuditTimeout:       cfg.AuditTimeout,
		RecordUnattributed: cfg.RecordUnattributed,
	}
}

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
)

type GrantRequest struct {
	GuildID     string
	Role        platform.Role
	MemberID    string
	ModeratorID string
	Reason      string
	EvidenceURL string
	At          time.Time
	Confirmer   Confirmer
}

type RevokeRequest struct {
	GuildID     string
	Role        platform.Role
	MemberID    string
	ModeratorID string
	Reason      string
	At          time.Time
}

// ExternalChange is a role added to or removed from a member outside the
// grant and revoke operations.
type ExternalChange struct {
	GuildID  string
	Role     platform.Role
	MemberID string
	Kind     ChangeKind
	Actor    Attribution
	At       time.Time
}

// Service reconciles tracked grants, the case ledger and platform state.
// Operations on the same role are serialized; different roles run freely.
type Service struct {
	opts     Options
	grants   GrantStore
	ledger   CaseLedger
	members  Membership
	resolver *AttributionResolver
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(opts Options, grants GrantStore, ledger CaseLedger, members Membership, audit AuditLog, logger *slog.Logger) *Service {
	if opts.IsSelf == nil {
		selfID := opts.SelfID
		opts.IsSelf = func(actorID string) bool { return actorID == selfID }
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	return &Service{
		opts:     opts,
		grants:   grants,
		ledger:   ledger,
		members:  members,
		resolver: NewAttributionResolver(audit, opts.SelfID, opts.AuditWindow, opts.AuditTimeout, logger),
		logger:   logger,
		tracer:   opts.TracerProvider.Tracer("roletracker/internal/app"),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Bootstrap registers the role update case type with the ledger.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.ledger.RegisterCaseType(ctx, store.RoleUpdateCaseType); err != nil {
		return fmt.Errorf("register case type: %w", err)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.grants.Ping(ctx)
}

func (s *Service) GetRoleGrant(ctx context.Context, roleID string) (store.RoleGrant, error) {
	return s.grants.GetRoleGrant(ctx, roleID)
}

func (s *Service) ResolveRole(ctx context.Context, guildID, roleID string) (platform.Role, error) {
	roles, err := s.members.GuildRoles(ctx, guildID)
	if err != nil {
		return platform.Role{}, fmt.Errorf("list guild roles: %w", platformErr(err))
	}
	for _, role := range roles {
		if role.ID == roleID {
			return role, nil
		}
	}
	return platform.Role{}, fmt.Errorf("role %s: %w", roleID, platform.ErrRoleNotFound)
}

// ListAddableRoles returns the guild's addable roles. The default role shares
// the guild's ID and is never listed.
func (s *Service) ListAddableRoles(ctx context.Context, guildID string) ([]platform.Role, error) {
	roles, err := s.members.GuildRoles(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("list guild roles: %w", platformErr(err))
	}
	enabled := make([]platform.Role, 0)
	for _, role := range roles {
		if role.ID == guildID {
			continue
		}
		grant, err := s.grants.GetRoleGrant(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		if grant.Addable {
			enabled = append(enabled, role)
		}
	}
	return enabled, nil
}

// EnableRole sets whether a role is addable. Disabling a role that still has
// tracked members asks whether to erase them; a declined prompt keeps them.
func (s *Service) EnableRole(ctx context.Context, role platform.Role, enabled bool, confirmer Confirmer) (_ store.RoleGrant, err error) {
	ctx, end := s.startSpan(ctx, "EnableRole", attribute.String("role.id", role.ID), attribute.Bool("role.enabled", enabled))
	defer end(&err)
	log := s.opLogger("enable_role", slog.String("role_id", role.ID), slog.Bool("enabled", enabled))

	for {
		prompted, erase, err := s.disablePrompt(ctx, role, enabled, confirmer)
		if err != nil {
			return store.RoleGrant{}, err
		}

		unlock := s.lockRole(role.ID)
		current, err := s.grants.GetRoleGrant(ctx, role.ID)
		if err != nil {
			unlock()
			return store.RoleGrant{}, err
		}
		if !enabled && !prompted && len(current.Users) > 0 {
			// a grant landed after the snapshot; ask again against the new state
			unlock()
			log.Debug("tracked members appeared before disable, prompting again")
			continue
		}

		updated, err := s.grants.UpdateRoleGrant(ctx, role.ID, func(g *store.RoleGrant) error {
			g.Addable = enabled
			if erase {
				g.Users = map[string]int64{}
			}
			return nil
		})
		unlock()
		if err != nil {
			return store.RoleGrant{}, err
		}
		log.Info("role addable updated", slog.Bool("erased", erase), slog.Int("tracked", len(updated.Users)))
		return updated, nil
	}
}

// disablePrompt asks whether to erase tracked members when a role with
// tracked members is being disabled. prompted reports whether the question
// was asked at all.
func (s *Service) disablePrompt(ctx context.Context, role platform.Role, enabled bool, confirmer Confirmer) (prompted, erase bool, err error) {
	if enabled {
		return false, false, nil
	}
	current, err := s.grants.GetRoleGrant(ctx, role.ID)
	if err != nil {
		return false, false, err
	}
	if len(current.Users) == 0 {
		return false, false, nil
	}
	err = s.confirm(ctx, confirmer, fmt.Sprintf(promptEraseLogs, roleLabel(role)))
	switch {
	case err == nil:
		return true, true, nil
	case errors.Is(err, ErrConfirmationDeclined):
		return true, false, nil
	default:
		return true, false, err
	}
}

// GrantRole records a case for the grant, tracks it, then adds the role on
// the platform. A platform rejection leaves the case in place.
func (s *Service) GrantRole(ctx context.Context, req GrantRequest) (_ store.Case, err error) {
	ctx, end := s.startSpan(ctx, "GrantRole",
		attribute.String("guild.id", req.GuildID),
		attribute.String("role.id", req.Role.ID),
		attribute.String("member.id", req.MemberID),
	)
	defer end(&err)
	log := s.opLogger("grant_role",
		slog.String("guild_id", req.GuildID),
		slog.String("role_id", req.Role.ID),
		slog.String("member_id", req.MemberID),
	)

	if err := s.checkGrantable(ctx, req.GuildID, req.Role.ID, req.MemberID); err != nil {
		return store.Case{}, err
	}

	evidence := req.EvidenceURL
	if evidence == "" {
		if err := s.confirm(ctx, req.Confirmer, promptNoAttachment); err != nil {
			return store.Case{}, err
		}
		evidence = noAttachment
	}

	unlock := s.lockRole(req.Role.ID)
	defer unlock()

	// the prompt ran unlocked; a grant that won the lock has already added the role
	if err := s.checkGrantable(ctx, req.GuildID, req.Role.ID, req.MemberID); err != nil {
		return store.Case{}, err
	}

	created, err := s.ledger.CreateCase(ctx, store.NewCase{
		GuildID:     req.GuildID,
		CreatedAt:   s.at(req.At),
		Type:        store.CaseTypeRoleUpdate,
		TargetID:    req.MemberID,
		ModeratorID: req.ModeratorID,
		Reason:      formatReason(firstNonBlank(req.Reason, defaultGrantReason), req.Role, evidence),
	})
	if err != nil {
		return store.Case{}, fmt.Errorf("create case: %w", err)
	}

	if _, err := s.grants.UpdateRoleGrant(ctx, req.Role.ID, func(g *store.RoleGrant) error {
		g.Users[req.MemberID] = created.Number
		return nil
	}); err != nil {
		return created, fmt.Errorf("record grant: %w", err)
	}

	if err := s.members.AddRole(ctx, req.GuildID, req.MemberID, req.Role.ID); err != nil {
		log.Error("platform rejected role grant after case creation",
			slog.Int64("case_number", created.Number),
			slog.Any("error", err))
		return created, fmt.Errorf("add role: %w", platformErr(err))
	}

	log.Info("role granted", slog.Int64("case_number", created.Number), slog.String("moderator_id", req.ModeratorID))
	return created, nil
}

// RevokeRole amends the grant's case, stops tracking the member and removes
// the role on the platform.
func (s *Service) RevokeRole(ctx context.Context, req RevokeRequest) (err error) {
	ctx, end := s.startSpan(ctx, "RevokeRole",
		attribute.String("guild.id", req.GuildID),
		attribute.String("role.id", req.Role.ID),
		attribute.String("member.id", req.MemberID),
	)
	defer end(&err)
	log := s.opLogger("revoke_role",
		slog.String("guild_id", req.GuildID),
		slog.String("role_id", req.Role.ID),
		slog.String("member_id", req.MemberID),
	)

	if err := s.checkRevocable(ctx, req.GuildID, req.Role.ID, req.MemberID); err != nil {
		return err
	}

	unlock := s.lockRole(req.Role.ID)
	defer unlock()

	if err := s.checkRevocable(ctx, req.GuildID, req.Role.ID, req.MemberID); err != nil {
		return err
	}

	if err := s.untrack(ctx, log, req.GuildID, req.Role.ID, req.MemberID, req.ModeratorID, firstNonBlank(req.Reason, defaultRevokeReason), s.at(req.At), true); err != nil {
		return err
	}

	if err := s.members.RemoveRole(ctx, req.GuildID, req.MemberID, req.Role.ID); err != nil {
		return fmt.Errorf("remove role: %w", platformErr(err))
	}
	log.Info("role revoked", slog.String("moderator_id", req.ModeratorID))
	return nil
}

// ReconcileExternalChange folds a role change made outside GrantRole and
// RevokeRole into the ledger. Changes made by the system itself are already
// recorded and are skipped.
func (s *Service) ReconcileExternalChange(ctx context.Context, change ExternalChange) (err error) {
	ctx, end := s.startSpan(ctx, "ReconcileExternalChange",
		attribute.String("guild.id", change.GuildID),
		attribute.String("role.id", change.Role.ID),
		attribute.String("member.id", change.MemberID),
		attribute.String("change.kind", string(change.Kind)),
	)
	defer end(&err)
	if !change.Actor.Resolved && change.Actor.ModeratorID == "" {
		change.Actor.ModeratorID = s.opts.SelfID
	}
	log := s.opLogger("reconcile_external_change",
		slog.String("guild_id", change.GuildID),
		slog.String("role_id", change.Role.ID),
		slog.String("member_id", change.MemberID),
		slog.String("kind", string(change.Kind)),
		slog.String("actor_id", change.Actor.ModeratorID),
		slog.Bool("attributed", change.Actor.Resolved),
	)

	unlock := s.lockRole(change.Role.ID)
	defer unlock()

	grant, err := s.grants.GetRoleGrant(ctx, change.Role.ID)
	if err != nil {
		return err
	}

	switch change.Kind {
	case ChangeAdded:
		if !grant.Addable {
			return nil
		}
		if _, tracked := grant.Users[change.MemberID]; tracked {
			log.Debug("grant already tracked")
			return nil
		}
		if s.treatAsSelf(change.Actor) {
			log.Debug("skipping self-inflicted change")
			return nil
		}

		created, err := s.ledger.CreateCase(ctx, store.NewCase{
			GuildID:     change.GuildID,
			CreatedAt:   s.at(change.At),
			Type:        store.CaseTypeRoleUpdate,
			TargetID:    change.MemberID,
			ModeratorID: change.Actor.ModeratorID,
			Reason:      formatReason(manualAddReason, change.Role, ""),
		})
		if err != nil {
			return fmt.Errorf("create case: %w", err)
		}
		if _, err := s.grants.UpdateRoleGrant(ctx, change.Role.ID, func(g *store.RoleGrant) error {
			g.Users[change.MemberID] = created.Number
			return nil
		}); err != nil {
			return fmt.Errorf("record grant: %w", err)
		}
		log.Info("manual grant recorded", slog.Int64("case_number", created.Number))
		return nil

	case ChangeRemoved:
		if _, tracked := grant.Users[change.MemberID]; !tracked {
			return nil
		}
		amend := grant.Addable && !s.opts.IsSelf(change.Actor.ModeratorID)
		if err := s.untrack(ctx, log, change.GuildID, change.Role.ID, change.MemberID, change.Actor.ModeratorID, manualRemoveReason, s.at(change.At), amend); err != nil {
			return err
		}
		log.Info("manual removal recorded", slog.Bool("amended", amend))
		return nil

	default:
		return fmt.Errorf("unknown change kind %q", change.Kind)
	}
}

// HandleMemberUpdate attributes a member's role-set change once and
// reconciles every added and removed role.
func (s *Service) HandleMemberUpdate(ctx context.Context, event platform.MemberRolesChanged) (err error) {
	added, removed := event.Diff()
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	ctx, end := s.startSpan(ctx, "HandleMemberUpdate",
		attribute.String("guild.id", event.GuildID),
		attribute.String("member.id", event.MemberID),
		attribute.Int("roles.added", len(added)),
		attribute.Int("roles.removed", len(removed)),
	)
	defer end(&err)

	actor := s.resolver.Resolve(ctx, event.GuildID, event.MemberID)
	roles := s.roleIndex(ctx, event.GuildID)

	var errs []error
	for _, roleID := range added {
		errs = append(errs, s.ReconcileExternalChange(ctx, ExternalChange{
			GuildID:  event.GuildID,
			Role:     roles.lookup(roleID),
			MemberID: event.MemberID,
			Kind:     ChangeAdded,
			Actor:    actor,
			At:       event.At,
		}))
	}
	for _, roleID := range removed {
		errs = append(errs, s.ReconcileExternalChange(ctx, ExternalChange{
			GuildID:  event.GuildID,
			Role:     roles.lookup(roleID),
			MemberID: event.MemberID,
			Kind:     ChangeRemoved,
			Actor:    actor,
			At:       event.At,
		}))
	}
	return errors.Join(errs...)
}

// untrack drops a member from the role's grant map, first appending a removal
// note to the justifying case when amend is set. A missing case is logged and
// otherwise ignored.
func (s *Service) untrack(ctx context.Context, log *slog.Logger, guildID, roleID, memberID, actorID, note string, at time.Time, amend bool) error {
	grant, err := s.grants.GetRoleGrant(ctx, roleID)
	if err != nil {
		return err
	}
	caseNumber, tracked := grant.Users[memberID]
	if tracked && amend {
		if err := s.amendRemoval(ctx, log, guildID, memberID, caseNumber, actorID, note, at); err != nil {
			return err
		}
	}

	if _, err := s.grants.UpdateRoleGrant(ctx, roleID, func(g *store.RoleGrant) error {
		delete(g.Users, memberID)
		return nil
	}); err != nil {
		return fmt.Errorf("untrack member: %w", err)
	}
	return nil
}

func (s *Service) amendRemoval(ctx context.Context, log *slog.Logger, guildID, memberID string, caseNumber int64, actorID, note string, at time.Time) error {
	existing, err := s.ledger.GetCase(ctx, guildID, caseNumber)
	if errors.Is(err, store.ErrCaseNotFound) {
		log.Error("failed to find case", slog.String("member_id", memberID), slog.Int64("case_number", caseNumber))
		return nil
	}
	if err != nil {
		return fmt.Errorf("get case %d: %w", caseNumber, err)
	}

	edit := store.CaseEdit{AppendReason: removalNote(note), ModifiedAt: at}
	if actorID != existing.ModeratorID {
		edit.AmendedBy = actorID
	}
	if _, err := s.ledger.EditCase(ctx, guildID, caseNumber, edit); err != nil {
		if errors.Is(err, store.ErrCaseNotFound) {
			log.Error("case disappeared before amendment", slog.Int64("case_number", caseNumber))
			return nil
		}
		return fmt.Errorf("amend case %d: %w", caseNumber, err)
	}
	return nil
}

// treatAsSelf reports whether an added role should be considered the
// system's own action. Unattributed changes count as self unless
// RecordUnattributed is set.
func (s *Service) treatAsSelf(actor Attribution) bool {
	if !s.opts.IsSelf(actor.ModeratorID) {
		return false
	}
	return actor.Resolved || !s.opts.RecordUnattributed
}

func (s *Service) confirm(ctx context.Context, confirmer Confirmer, prompt string) error {
	if confirmer == nil {
		return ErrConfirmationTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.ConfirmTimeout)
	defer cancel()

	ok, err := confirmer.Confirm(waitCtx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrConfirmationTimeout
		}
		return fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		return ErrConfirmationDeclined
	}
	return nil
}

func (s *Service) checkGrantable(ctx context.Context, guildID, roleID, memberID string) error {
	grant, err := s.grants.GetRoleGrant(ctx, roleID)
	if err != nil {
		return err
	}
	if !grant.Addable {
		return ErrNotAddable
	}
	has, err := s.memberHasRole(ctx, guildID, memberID, roleID)
	if err != nil {
		return err
	}
	if has {
		return ErrAlreadyHasRole
	}
	return nil
}

func (s *Service) checkRevocable(ctx context.Context, guildID, roleID, memberID string) error {
	grant, err := s.grants.GetRoleGrant(ctx, roleID)
	if err != nil {
		return err
	}
	if !grant.Addable {
		return ErrNotRemovable
	}
	has, err := s.memberHasRole(ctx, guildID, memberID, roleID)
	if err != nil {
		return err
	}
	if !has {
		return ErrDoesNotHaveRole
	}
	return nil
}

func (s *Service) memberHasRole(ctx context.Context, guildID, memberID, roleID string) (bool, error) {
	roles, err := s.members.MemberRoles(ctx, guildID, memberID)
	if err != nil {
		return false, fmt.Errorf("read member roles: %w", platformErr(err))
	}
	return slices.Contains(roles, roleID), nil
}

func (s *Service) lockRole(roleID string) func() {
	s.lockMu.Lock()
	lock, ok := s.locks[roleID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[roleID] = lock
	}
	s.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

type roleIndex map[string]platform.Role

func (idx roleIndex) lookup(roleID string) platform.Role {
	if role, ok := idx[roleID]; ok {
		return role
	}
	return platform.Role{ID: roleID, Name: roleID}
}

func (s *Service) roleIndex(ctx context.Context, guildID string) roleIndex {
	roles, err := s.members.GuildRoles(ctx, guildID)
	if err != nil {
		s.logger.Warn("failed to list guild roles, reasons will use role ids",
			slog.String("guild_id", guildID),
			slog.Any("error", err))
		return roleIndex{}
	}
	idx := make(roleIndex, len(roles))
	for _, role := range roles {
		idx[role.ID] = role
	}
	return idx
}

// startSpan opens a span for a reconciler operation; the returned func ends
// it and records the operation's error, if any.
func (s *Service) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := s.tracer.Start(ctx, "app."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}
}

func (s *Service) opLogger(op string, attrs ...any) *slog.Logger {
	return s.logger.With(slog.String("op", op), slog.String("op_id", util.NewID("op"))).With(attrs...)
}

func (s *Service) at(value time.Time) time.Time {
	if value.IsZero() {
		return s.now().UTC()
	}
	return value.UTC()
}

func platformErr(err error) error {
	if errors.Is(err, platform.ErrForbidden) {
		return fmt.Errorf("%w: %w", ErrPlatformForbidden, err)
	}
	return err
}

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord talks to the Discord REST API and gateway through discordgo.
type Discord struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func NewDiscord(token string, logger *slog.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	session.StateEnabled = true
	return &Discord{session: session, logger: logger}, nil
}

func (d *Discord) Open() error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

func (d *Discord) Close() error {
	return d.session.Close()
}

// SelfID is the bot's own user ID, known once the gateway is open.
func (d *Discord) SelfID() string {
	if d.session.State == nil || d.session.State.User == nil {
		return ""
	}
	return d.session.State.User.ID
}

func (d *Discord) GuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	roles, err := d.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list guild roles: %w", translate(err, ErrForbidden))
	}
	items := make([]Role, 0, len(roles))
	for _, role := range roles {
		items = append(items, Role{ID: role.ID, Name: role.Name})
	}
	return items, nil
}

func (d *Discord) MemberRoles(ctx context.Context, guildID, memberID string) ([]string, error) {
	member, err := d.session.GuildMember(guildID, memberID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get member: %w", translate(err, ErrForbidden))
	}
	return member.Roles, nil
}

func (d *Discord) AddRole(ctx context.Context, guildID, memberID, roleID string) error {
	if err := d.session.GuildMemberRoleAdd(guildID, memberID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("add role: %w", translate(err, ErrForbidden))
	}
	return nil
}

func (d *Discord) RemoveRole(ctx context.Context, guildID, memberID, roleID string) error {
	if err := d.session.GuildMemberRoleRemove(guildID, memberID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("remove role: %w", translate(err, ErrForbidden))
	}
	return nil
}

func (d *Discord) RecentRoleUpdates(ctx context.Context, guildID string, limit int) ([]AuditEntry, error) {
	auditLog, err := d.session.GuildAuditLog(guildID, "", "", int(discordgo.AuditLogActionMemberRoleUpdate), limit, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", translate(err, ErrAuditForbidden))
	}
	entries := make([]AuditEntry, 0, len(auditLog.AuditLogEntries))
	for _, entry := range auditLog.AuditLogEntries {
		entries = append(entries, AuditEntry{ActorID: entry.UserID, TargetID: entry.TargetID})
	}
	return entries, nil
}

// OnMemberUpdate forwards member updates whose previous state is cached.
// discordgo runs each handler call on its own goroutine.
func (d *Discord) OnMemberUpdate(handler MemberUpdateHandler) {
	d.session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildMemberUpdate) {
		event, ok := memberRolesChanged(e, time.Now().UTC())
		if !ok {
			return
		}
		if err := handler(context.Background(), event); err != nil {
			d.logger.Error("member update failed",
				slog.String("guild_id", event.GuildID),
				slog.String("member_id", event.MemberID),
				slog.Any("error", err),
			)
		}
	})
}

func memberRolesChanged(e *discordgo.GuildMemberUpdate, at time.Time) (MemberRolesChanged, bool) {
	if e == nil || e.Member == nil || e.User == nil || e.BeforeUpdate == nil {
		return MemberRolesChanged{}, false
	}
	event := MemberRolesChanged{
		GuildID:  e.GuildID,
		MemberID: e.User.ID,
		Before:   e.BeforeUpdate.Roles,
		After:    e.Roles,
		At:       at,
	}
	added, removed := event.Diff()
	if len(added) == 0 && len(removed) == 0 {
		return MemberRolesChanged{}, false
	}
	return event, true
}

// translate maps permission and hierarchy rejections onto forbidden.
func translate(err error, forbidden error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %v", forbidden, err)
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeMissingPermissions {
		return fmt.Errorf("%w: %v", forbidden, err)
	}
	return err
}

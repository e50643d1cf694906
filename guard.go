package main

import (
	"context"
	"slices"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Access Guard
// ===========================

// Authorizer gates privileged playback transitions (pause/resume/end).
type Authorizer interface {
	IsAuthorized(ctx context.Context, guildID, userID snowflake.ID, privileged bool) (bool, error)
}

// RoleLookup answers whether a user currently holds an administrative role
// in a guild. The lookup runs at call time, never from a cache, because
// roles can change between two commands.
type RoleLookup func(ctx context.Context, guildID, userID snowflake.ID) (bool, error)

// AccessGuard authorizes commands. Non-privileged commands pass
// unconditionally; privileged commands delegate to the injected lookup.
type AccessGuard struct {
	lookup RoleLookup
}

func NewAccessGuard(lookup RoleLookup) *AccessGuard {
	return &AccessGuard{lookup: lookup}
}

func (g *AccessGuard) IsAuthorized(ctx context.Context, guildID, userID snowflake.ID, privileged bool) (bool, error) {
	if !privileged {
		return true, nil
	}
	if g.lookup == nil {
		return false, nil
	}
	return g.lookup(ctx, guildID, userID)
}

// ===========================
// Discord Role Lookup
// ===========================

// discordRoleLookup resolves admin status through the rest API: guild
// owners and members whose accumulated role permissions carry
// Administrator qualify.
func discordRoleLookup(client bot.Client) RoleLookup {
	return func(ctx context.Context, guildID, userID snowflake.ID) (bool, error) {
		guild, err := client.Rest.GetGuild(guildID, false)
		if err != nil {
			return false, err
		}
		if guild.OwnerID == userID {
			return true, nil
		}

		member, err := client.Rest.GetMember(guildID, userID)
		if err != nil {
			return false, err
		}
		roles, err := client.Rest.GetRoles(guildID)
		if err != nil {
			return false, err
		}

		var perms discord.Permissions
		for _, role := range roles {
			// The @everyone role shares the guild's ID.
			if role.ID == guildID || slices.Contains(member.RoleIDs, role.ID) {
				perms = perms.Add(role.Permissions)
			}
		}
		return perms.Has(discord.PermissionAdministrator), nil
	}
}

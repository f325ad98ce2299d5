package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoleRanks(t *testing.T) {
	require.Equal(t, 0, RoleViewer.Rank())
	require.Equal(t, 1, RoleMember.Rank())
	require.Equal(t, 2, RoleAdmin.Rank())
	require.Equal(t, 3, RoleOwner.Rank())
	require.Equal(t, -1, Role("SUPERUSER").Rank())
	require.Equal(t, -1, Role("owner").Rank())
}

func TestHasPermissionIsTotalOrder(t *testing.T) {
	for _, actual := range Roles {
		for _, required := range Roles {
			require.Equal(t, actual.Rank() >= required.Rank(), HasPermission(actual, required),
				"actual=%s required=%s", actual, required)
		}
	}
}

func TestHasPermissionRejectsUnknownRoles(t *testing.T) {
	require.False(t, HasPermission(Role("ROOT"), RoleViewer))
	require.False(t, HasPermission(RoleOwner, Role("ROOT")))
	require.False(t, HasPermission("", ""))
}

func TestParseRole(t *testing.T) {
	role, ok := ParseRole(" admin ")
	require.True(t, ok)
	require.Equal(t, RoleAdmin, role)

	_, ok = ParseRole("guest")
	require.False(t, ok)
}

func TestBeforeCreateGeneratesIDs(t *testing.T) {
	var base BaseModel
	require.NoError(t, base.BeforeCreate(nil))
	require.NotEmpty(t, base.ID)

	preset := BaseModel{ID: "fixed"}
	require.NoError(t, preset.BeforeCreate(nil))
	require.Equal(t, "fixed", preset.ID)

	var session Session
	require.NoError(t, session.BeforeCreate(nil))
	require.NotEmpty(t, session.ID)
}

func TestSessionAndInvitationExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	session := Session{ExpiresAt: now.Add(time.Minute)}
	require.True(t, session.ActiveAt(now))
	require.False(t, session.ActiveAt(now.Add(time.Minute)))

	invite := PendingInvitation{ExpiresAt: now}
	require.True(t, invite.ExpiredAt(now))
	require.False(t, invite.ExpiredAt(now.Add(-time.Second)))
}

func TestUserHasPassword(t *testing.T) {
	require.False(t, (&User{}).HasPassword())
	require.True(t, (&User{PasswordHash: "$argon2id$..."}).HasPassword())
	var nilUser *User
	require.False(t, nilUser.HasPassword())
}

package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/accesscore/internal/handlers/testutil"
	"github.com/charlesng35/accesscore/internal/models"
)

type inviteResultPayload struct {
	Status     string `json:"status"`
	Invitation *struct {
		ID     string `json:"id"`
		Email  string `json:"email"`
		Role   string `json:"role"`
		Status string `json:"status"`
	} `json:"invitation"`
	Member *memberPayload `json:"member"`
}

func TestInvitationHandler_InviteAndAccept(t *testing.T) {
	env := testutil.NewEnv(t)
	registered := env.Register("owner@example.com", "Invite Co")
	owner := registered.Session.AccessToken
	orgID := registered.Organization.ID
	invitationsPath := "/api/organizations/" + orgID + "/invitations"

	w := env.Request(http.MethodPost, invitationsPath, map[string]string{"email": "New.Hire@example.com", "role": "admin"}, owner)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var result inviteResultPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &result)
	require.Equal(t, "pending", result.Status)
	require.NotNil(t, result.Invitation)
	require.Equal(t, "new.hire@example.com", result.Invitation.Email)
	require.Equal(t, string(models.RoleAdmin), result.Invitation.Role)

	w = env.Request(http.MethodGet, invitationsPath, nil, owner)
	require.Equal(t, http.StatusOK, w.Code)
	var pending []struct {
		ID string `json:"id"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &pending)
	require.Len(t, pending, 1)

	token := env.TokenFromMail("new.hire@example.com", "/invitations/accept")

	intruder := env.Register("intruder@example.com", "").Session.AccessToken
	w = env.Request(http.MethodPost, "/api/invitations/accept", map[string]string{"token": token}, intruder)
	require.Equal(t, http.StatusForbidden, w.Code, "invitations are bound to the invited email")

	invitee := env.Register("new.hire@example.com", "").Session.AccessToken
	w = env.Request(http.MethodPost, "/api/invitations/accept", map[string]string{"token": token}, invitee)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var member memberPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &member)
	require.Equal(t, string(models.RoleAdmin), member.Role)

	w = env.Request(http.MethodPost, "/api/invitations/accept", map[string]string{"token": token}, invitee)
	require.Equal(t, http.StatusForbidden, w.Code, "accepted invitations cannot be reused")

	w = env.Request(http.MethodGet, "/api/organizations/"+orgID, nil, invitee)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestInvitationHandler_ExistingUserIsAddedDirectly(t *testing.T) {
	env := testutil.NewEnv(t)
	registered := env.Register("owner@example.com", "Direct Co")
	existing := env.Register("existing@example.com", "").Session.AccessToken

	w := env.Request(http.MethodPost, "/api/organizations/"+registered.Organization.ID+"/invitations",
		map[string]string{"email": "existing@example.com"}, registered.Session.AccessToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var result inviteResultPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &result)
	require.Equal(t, "added", result.Status)
	require.NotNil(t, result.Member)
	require.Equal(t, string(models.RoleMember), result.Member.Role)

	w = env.Request(http.MethodGet, "/api/organizations/"+registered.Organization.ID, nil, existing)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.Request(http.MethodPost, "/api/organizations/"+registered.Organization.ID+"/invitations",
		map[string]string{"email": "existing@example.com"}, registered.Session.AccessToken)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestInvitationHandler_Permissions(t *testing.T) {
	env := testutil.NewEnv(t)
	registered := env.Register("owner@example.com", "Perm Co")
	orgID := registered.Organization.ID
	_, member := env.AddMember(orgID, "member@example.com", models.RoleMember)
	_, admin := env.AddMember(orgID, "admin@example.com", models.RoleAdmin)
	path := "/api/organizations/" + orgID + "/invitations"

	w := env.Request(http.MethodPost, path, map[string]string{"email": "x@example.com"}, member)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.Request(http.MethodGet, path, nil, member)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.Request(http.MethodPost, path, map[string]string{"email": "x@example.com", "role": "OWNER"}, admin)
	require.Equal(t, http.StatusForbidden, w.Code, "only owners invite owners")

	w = env.Request(http.MethodPost, path, map[string]string{"email": "x@example.com", "role": "emperor"}, admin)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvitationHandler_RevokeAndSeatLimit(t *testing.T) {
	env := testutil.NewEnv(t, testutil.WithFreePlanSeats(2))
	registered := env.Register("owner@example.com", "Tiny Co")
	owner := registered.Session.AccessToken
	path := "/api/organizations/" + registered.Organization.ID + "/invitations"

	w := env.Request(http.MethodPost, path, map[string]string{"email": "first@example.com"}, owner)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var result inviteResultPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &result)

	w = env.Request(http.MethodPost, path, map[string]string{"email": "second@example.com"}, owner)
	require.Equal(t, http.StatusForbidden, w.Code, "pending invitations hold a seat")
	require.Equal(t, "PLAN_LIMIT_EXCEEDED", testutil.ErrorCode(t, w))

	w = env.Request(http.MethodDelete, path+"/"+result.Invitation.ID, nil, owner)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = env.Request(http.MethodPost, path, map[string]string{"email": "second@example.com"}, owner)
	require.Equal(t, http.StatusAccepted, w.Code, "revoking frees the seat")

	token := env.TokenFromMail("first@example.com", "/invitations/accept")
	first := env.Register("first@example.com", "").Session.AccessToken
	w = env.Request(http.MethodPost, "/api/invitations/accept", map[string]string{"token": token}, first)
	require.Equal(t, http.StatusForbidden, w.Code, "revoked invitations cannot be accepted")
}

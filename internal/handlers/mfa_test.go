package handlers_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/accesscore/internal/handlers/testutil"
)

type mfaStatusPayload struct {
	Enabled              bool `json:"enabled"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

func TestMFAHandler_EnrollAndLogin(t *testing.T) {
	env := testutil.NewEnv(t)
	token := env.Register("hedy@example.com", "").Session.AccessToken

	w := env.Request(http.MethodGet, "/api/auth/mfa", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	var status mfaStatusPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &status)
	require.False(t, status.Enabled)

	w = env.Request(http.MethodPost, "/api/auth/mfa/setup", nil, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var enrollment struct {
		Secret      string   `json:"secret"`
		URL         string   `json:"otpauth_url"`
		QRCode      []byte   `json:"qr_code_png"`
		BackupCodes []string `json:"backup_codes"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &enrollment)
	require.NotEmpty(t, enrollment.Secret)
	require.NotEmpty(t, enrollment.QRCode)
	require.NotEmpty(t, enrollment.BackupCodes)

	w = env.Request(http.MethodPost, "/api/auth/mfa/confirm", map[string]string{"code": "000000"}, token)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "MFA_INVALID", testutil.ErrorCode(t, w))

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)
	w = env.Request(http.MethodPost, "/api/auth/mfa/confirm", map[string]string{"code": code}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodPost, "/api/auth/mfa/setup", nil, token)
	require.Equal(t, http.StatusConflict, w.Code)

	w = env.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "hedy@example.com",
		"password": testutil.DefaultPassword,
	}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "MFA_REQUIRED", testutil.ErrorCode(t, w))

	w = env.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "hedy@example.com",
		"password": testutil.DefaultPassword,
		"mfa_code": enrollment.BackupCodes[0],
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodGet, "/api/auth/mfa", nil, token)
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &status)
	require.True(t, status.Enabled)
	require.Equal(t, len(enrollment.BackupCodes)-1, status.BackupCodesRemaining)

	w = env.Request(http.MethodPost, "/api/auth/mfa/disable", map[string]string{"code": enrollment.BackupCodes[1]}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env.Login("hedy@example.com", testutil.DefaultPassword)
}

func TestMFAHandler_DisableWithoutEnrollment(t *testing.T) {
	env := testutil.NewEnv(t)
	token := env.Register("alan@example.com", "").Session.AccessToken

	w := env.Request(http.MethodPost, "/api/auth/mfa/disable", map[string]string{"code": "123456"}, token)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.Request(http.MethodPost, "/api/auth/mfa/confirm", map[string]string{}, token)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

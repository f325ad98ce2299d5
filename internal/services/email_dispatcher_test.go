package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/pkg/logger"
	"github.com/charlesng35/accesscore/pkg/mail"
)

func TestMailDispatcherRendersLinks(t *testing.T) {
	recorder := mail.NewRecorder()
	dispatcher, err := NewMailDispatcher(recorder, MailDispatcherConfig{BaseURL: "https://app.example.test/", From: "bot@example.test"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, dispatcher.SendPasswordResetEmail(ctx, "a@example.com", "", "tok+en/="))
	require.NoError(t, dispatcher.SendInvitationEmail(ctx, InvitationEmail{
		To:               "b@example.com",
		OrganizationName: "Acme",
		InviterName:      "Olivia",
		Role:             models.RoleAdmin,
		Token:            "invite-token",
	}))

	messages := recorder.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, "bot@example.test", messages[0].From)
	require.Contains(t, messages[0].Body, "https://app.example.test/reset-password?token=tok%2Ben%2F%3D")
	require.Contains(t, messages[0].Body, "Hello a@example.com")
	require.Equal(t, mailKindPasswordReset, messages[0].Kind)
	require.Equal(t, "You're invited to Acme", messages[1].Subject)
	require.Equal(t, mailKindInvitation, messages[1].Kind)
	require.Contains(t, messages[1].Body, "Olivia invited you to join Acme")
	require.Contains(t, messages[1].Body, "as ADMIN")
	require.Contains(t, messages[1].Body, "https://app.example.test/invitations/accept?token=invite-token")

	require.Equal(t, "tok+en/=", tokenFromBody(t, messages[0].Body))
}

type panickingDispatcher struct{ EmailDispatcher }

func (panickingDispatcher) SendVerificationEmail(context.Context, string, string, string) error {
	panic("boom")
}

func TestAsyncMailerRecoversPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	restore := logger.Replace(zap.New(core))
	t.Cleanup(restore)

	mailer := NewAsyncMailer(panickingDispatcher{}, time.Second)
	mailer.Go("verification", "p@example.com", func(ctx context.Context, d EmailDispatcher) error {
		return d.SendVerificationEmail(ctx, "p@example.com", "", "t")
	})
	mailer.Wait()

	entries := logs.FilterMessage("email dispatch panicked").All()
	require.Len(t, entries, 1)
	require.Equal(t, "p@example.com", entries[0].ContextMap()["recipient"])
}

func TestAsyncMailerDetachesFromCallerContext(t *testing.T) {
	recorder := mail.NewRecorder()
	dispatcher, err := NewMailDispatcher(recorder, MailDispatcherConfig{BaseURL: "https://app.example.test"})
	require.NoError(t, err)
	mailer := NewAsyncMailer(dispatcher, time.Second)

	var (
		ctxErr      error
		hasDeadline bool
	)
	mailer.Go("verification", "c@example.com", func(ctx context.Context, d EmailDispatcher) error {
		ctxErr = ctx.Err()
		_, hasDeadline = ctx.Deadline()
		return d.SendVerificationEmail(ctx, "c@example.com", "C", "token")
	})
	mailer.Wait()
	require.NoError(t, ctxErr)
	require.True(t, hasDeadline)
	require.Len(t, recorder.SentTo("c@example.com"), 1)

	var nilMailer *AsyncMailer
	nilMailer.Go("noop", "x", nil)
	nilMailer.Wait()
}

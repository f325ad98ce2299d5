package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/accesscore/internal/models"
	"github.com/charlesng35/accesscore/pkg/logger"
	"github.com/charlesng35/accesscore/pkg/mail"
	"github.com/charlesng35/accesscore/pkg/metrics"
)

// DefaultEmailTimeout bounds a single detached email send.
const DefaultEmailTimeout = 30 * time.Second

const (
	mailKindVerification  = "verification"
	mailKindPasswordReset = "password_reset"
	mailKindInvitation    = "invitation"
	mailKindMembership    = "membership_notice"
)

// InvitationEmail carries the data rendered into an invitation message.
type InvitationEmail struct {
	To               string
	OrganizationName string
	InviterName      string
	Role             models.Role
	Token            string
}

// EmailDispatcher sends the transactional emails of the auth flows.
type EmailDispatcher interface {
	SendVerificationEmail(ctx context.Context, to, name, token string) error
	SendPasswordResetEmail(ctx context.Context, to, name, token string) error
	SendInvitationEmail(ctx context.Context, invite InvitationEmail) error
	SendMembershipNotice(ctx context.Context, to, organizationName string, role models.Role) error
}

// MailDispatcherConfig controls links and branding in outgoing mail.
type MailDispatcherConfig struct {
	BaseURL     string
	ProductName string
	From        string
}

// MailDispatcher renders plain-text emails and hands them to a mail.Mailer.
type MailDispatcher struct {
	mailer  mail.Mailer
	baseURL string
	product string
	from    string
}

// NewMailDispatcher constructs a MailDispatcher.
func NewMailDispatcher(mailer mail.Mailer, cfg MailDispatcherConfig) (*MailDispatcher, error) {
	if mailer == nil {
		return nil, errors.New("mail dispatcher: mailer is required")
	}
	product := strings.TrimSpace(cfg.ProductName)
	if product == "" {
		product = "Accesscore"
	}
	return &MailDispatcher{
		mailer:  mailer,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		product: product,
		from:    strings.TrimSpace(cfg.From),
	}, nil
}

func (d *MailDispatcher) SendVerificationEmail(ctx context.Context, to, name, token string) error {
	link := d.link("/verify-email", token)
	body := fmt.Sprintf("Hello %s,\n\nPlease confirm your email address for %s by opening the link below:\n\n%s\n\nIf you did not create an account you can ignore this message.\n",
		greetingName(name, to), d.product, link)
	return d.send(ctx, mailKindVerification, to, fmt.Sprintf("Verify your %s email address", d.product), body)
}

func (d *MailDispatcher) SendPasswordResetEmail(ctx context.Context, to, name, token string) error {
	link := d.link("/reset-password", token)
	body := fmt.Sprintf("Hello %s,\n\nA password reset was requested for your %s account. The link below is valid for one hour:\n\n%s\n\nIf you did not request a reset you can ignore this message.\n",
		greetingName(name, to), d.product, link)
	return d.send(ctx, mailKindPasswordReset, to, fmt.Sprintf("Reset your %s password", d.product), body)
}

func (d *MailDispatcher) SendInvitationEmail(ctx context.Context, invite InvitationEmail) error {
	link := d.link("/invitations/accept", invite.Token)
	inviter := strings.TrimSpace(invite.InviterName)
	if inviter == "" {
		inviter = "A teammate"
	}
	body := fmt.Sprintf("%s invited you to join %s on %s as %s.\n\nAccept the invitation within 7 days:\n\n%s\n",
		inviter, invite.OrganizationName, d.product, invite.Role, link)
	return d.send(ctx, mailKindInvitation, invite.To, fmt.Sprintf("You're invited to %s", invite.OrganizationName), body)
}

func (d *MailDispatcher) SendMembershipNotice(ctx context.Context, to, organizationName string, role models.Role) error {
	body := fmt.Sprintf("You have been added to %s on %s as %s.\n\n%s\n", organizationName, d.product, role, d.baseURL+"/")
	return d.send(ctx, mailKindMembership, to, fmt.Sprintf("You were added to %s", organizationName), body)
}

func (d *MailDispatcher) send(ctx context.Context, kind, to, subject, body string) error {
	return d.mailer.Send(ctx, mail.Message{
		From:    d.from,
		To:      []string{to},
		Subject: subject,
		Body:    body,
		Kind:    kind,
	})
}

func (d *MailDispatcher) link(path, token string) string {
	return d.baseURL + path + "?token=" + url.QueryEscape(token)
}

func greetingName(name, email string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return email
}

// AsyncMailer runs EmailDispatcher calls in the background. Failures are
// logged and counted, never returned to the caller.
type AsyncMailer struct {
	dispatcher EmailDispatcher
	timeout    time.Duration
	log        *zap.Logger
	wg         sync.WaitGroup
}

// NewAsyncMailer wraps dispatcher. A nil dispatcher turns every send into a no-op.
func NewAsyncMailer(dispatcher EmailDispatcher, timeout time.Duration) *AsyncMailer {
	if timeout <= 0 {
		timeout = DefaultEmailTimeout
	}
	return &AsyncMailer{
		dispatcher: dispatcher,
		timeout:    timeout,
		log:        logger.WithModule("email"),
	}
}

// Go dispatches send on its own goroutine with a fresh timeout context, detached
// from the request that triggered it.
func (a *AsyncMailer) Go(operation, recipient string, send func(ctx context.Context, d EmailDispatcher) error) {
	if a == nil || a.dispatcher == nil {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.EmailDispatch.WithLabelValues(operation, "panic").Inc()
				a.log.Error("email dispatch panicked",
					zap.String("operation", operation),
					zap.String("recipient", recipient),
					zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		err := send(ctx, a.dispatcher)
		metrics.EmailDispatch.WithLabelValues(operation, metrics.Result(err)).Inc()
		if err != nil {
			if errors.Is(err, mail.ErrSMTPDisabled) {
				a.log.Debug("email delivery disabled",
					zap.String("operation", operation),
					zap.String("recipient", recipient))
				return
			}
			a.log.Error("email dispatch failed",
				zap.String("operation", operation),
				zap.String("recipient", recipient),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every in-flight send has finished.
func (a *AsyncMailer) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}

package app

import (
	"github.com/charlesng35/accesscore/internal/services"
	"github.com/charlesng35/accesscore/pkg/mail"
)

// SMTPSettings converts EmailConfig to the mail package representation.
func (c EmailConfig) SMTPSettings() mail.SMTPSettings {
	return mail.SMTPSettings{
		Enabled:  c.SMTP.Enabled,
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
		UseTLS:   c.SMTP.UseTLS,
		Timeout:  c.SMTP.Timeout,
	}
}

// MailDispatcherConfig builds the transactional email settings from the app
// and email sections.
func (c Config) MailDispatcherConfig() services.MailDispatcherConfig {
	return services.MailDispatcherConfig{
		BaseURL:     c.App.BaseURL,
		ProductName: c.App.ProductName,
		From:        c.Email.SMTP.From,
	}
}

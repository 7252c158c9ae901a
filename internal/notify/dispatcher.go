package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

type Kind string

const (
	KindBookingConfirmation Kind = "booking_confirmation"
	KindCancellation        Kind = "cancellation_confirmation"
	KindReschedule          Kind = "reschedule_notice"
	KindReminder            Kind = "reminder"
	KindPracticeVideoNotice Kind = "practice_video_notice"
	KindPaymentRefunded     Kind = "payment_refunded"
)

var ErrNoRecipient = errors.New("notify: recipient has no email address")

type Recipient struct {
	Name  string
	Email string
	Phone string
}

// Message is what the scheduling core hands over. Rendering is the
// dispatcher's concern; Data carries plain display strings.
type Message struct {
	Kind      Kind
	Recipient Recipient
	Locale    string
	Data      map[string]string
}

// Dispatcher delivers notifications. Callers treat it as fire-and-forget.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

// EmailDispatcher renders messages with short built-in templates and hands
// them to an EmailSender.
type EmailDispatcher struct {
	sender    EmailSender
	templates map[string]emailTemplate
	logger    *logging.Logger
}

func NewEmailDispatcher(sender EmailSender, logger *logging.Logger) *EmailDispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &EmailDispatcher{
		sender:    sender,
		templates: parseTemplates(),
		logger:    logger,
	}
}

func (d *EmailDispatcher) Send(ctx context.Context, msg Message) error {
	if msg.Recipient.Email == "" {
		return ErrNoRecipient
	}

	tpl, ok := d.lookup(msg.Kind, msg.Locale)
	if !ok {
		return fmt.Errorf("notify: no template for %s", msg.Kind)
	}

	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, msg.Data); err != nil {
		return fmt.Errorf("notify: render subject: %w", err)
	}
	if err := tpl.body.Execute(&body, msg.Data); err != nil {
		return fmt.Errorf("notify: render body: %w", err)
	}

	return d.sender.Send(ctx, EmailMessage{
		To:      msg.Recipient.Email,
		ToName:  msg.Recipient.Name,
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
	})
}

// lookup falls back to English for unknown locales.
func (d *EmailDispatcher) lookup(kind Kind, locale string) (emailTemplate, bool) {
	lang := strings.ToLower(locale)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if tpl, ok := d.templates[string(kind)+"/"+lang]; ok {
		return tpl, true
	}
	tpl, ok := d.templates[string(kind)+"/en"]
	return tpl, ok
}

var rawTemplates = map[string][2]string{
	"booking_confirmation/en": {
		"Your appointment on {{.day}} at {{.time}}",
		"Hello {{.patient}},\n\nyour appointment with {{.doctor}} on {{.day}} at {{.time}} is booked.\n{{if .join_url}}Video room: {{.join_url}}\n{{end}}Manage or cancel: {{.manage_url}}\n",
	},
	"booking_confirmation/de": {
		"Ihr Termin am {{.day}} um {{.time}}",
		"Hallo {{.patient}},\n\nIhr Termin bei {{.doctor}} am {{.day}} um {{.time}} ist gebucht.\n{{if .join_url}}Videoraum: {{.join_url}}\n{{end}}Termin verwalten: {{.manage_url}}\n",
	},
	"cancellation_confirmation/en": {
		"Appointment on {{.day}} cancelled",
		"Hello {{.patient}},\n\nyour appointment on {{.day}} at {{.time}} has been cancelled.{{if .reason}} Reason: {{.reason}}{{end}}\n",
	},
	"cancellation_confirmation/de": {
		"Termin am {{.day}} storniert",
		"Hallo {{.patient}},\n\nIhr Termin am {{.day}} um {{.time}} wurde storniert.{{if .reason}} Grund: {{.reason}}{{end}}\n",
	},
	"reschedule_notice/en": {
		"Appointment moved to {{.day}} at {{.time}}",
		"Hello {{.patient}},\n\nyour appointment was moved from {{.old_day}} {{.old_time}} to {{.day}} at {{.time}}.\nYour previous management link no longer works. New link: {{.manage_url}}\n",
	},
	"reschedule_notice/de": {
		"Termin verschoben auf {{.day}} um {{.time}}",
		"Hallo {{.patient}},\n\nIhr Termin wurde von {{.old_day}} {{.old_time}} auf {{.day}} um {{.time}} verschoben.\nDer bisherige Link ist ungültig. Neuer Link: {{.manage_url}}\n",
	},
	"reminder/en": {
		"Reminder: appointment on {{.day}} at {{.time}}",
		"Hello {{.patient}},\n\nthis is a reminder of your appointment with {{.doctor}} on {{.day}} at {{.time}}.\n{{if .join_url}}Video room: {{.join_url}}\n{{end}}",
	},
	"reminder/de": {
		"Erinnerung: Termin am {{.day}} um {{.time}}",
		"Hallo {{.patient}},\n\nwir erinnern an Ihren Termin bei {{.doctor}} am {{.day}} um {{.time}}.\n{{if .join_url}}Videoraum: {{.join_url}}\n{{end}}",
	},
	"practice_video_notice/en": {
		"Video appointment {{.day}} {{.time}}",
		"Video appointment for {{.doctor}} on {{.day}} at {{.time}} (appointment {{.appointment_id}}).\n{{if .join_url}}Room: {{.join_url}}\n{{else}}No room provisioned yet.\n{{end}}",
	},
	"payment_refunded/en": {
		"Your payment was refunded",
		"Hello {{.patient}},\n\nthe slot on {{.day}} at {{.time}} was taken before your payment completed. Your payment has been refunded in full.\n",
	},
	"payment_refunded/de": {
		"Ihre Zahlung wurde erstattet",
		"Hallo {{.patient}},\n\nder Termin am {{.day}} um {{.time}} war vor Abschluss Ihrer Zahlung bereits vergeben. Die Zahlung wurde vollständig erstattet.\n",
	},
}

func parseTemplates() map[string]emailTemplate {
	out := make(map[string]emailTemplate, len(rawTemplates))
	for name, parts := range rawTemplates {
		out[name] = emailTemplate{
			subject: template.Must(template.New(name + "/subject").Option("missingkey=zero").Parse(parts[0])),
			body:    template.Must(template.New(name + "/body").Option("missingkey=zero").Parse(parts[1])),
		}
	}
	return out
}

// NoopDispatcher drops every message.
type NoopDispatcher struct{}

func (NoopDispatcher) Send(context.Context, Message) error { return nil }

var (
	_ Dispatcher = (*EmailDispatcher)(nil)
	_ Dispatcher = NoopDispatcher{}
)

package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/lalithlochan/preorder/internal/db"
)

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

func mustEmail(kind, subject, body string) emailTemplate {
	return emailTemplate{
		subject: template.Must(template.New(kind + ".subject").Parse(subject)),
		body:    template.Must(template.New(kind + ".body").Parse(body)),
	}
}

var templates = map[string]emailTemplate{
	db.KindVerify: mustEmail(db.KindVerify,
		`Please confirm your email address`,
		`Hello {{.first_name}},

please confirm your email address to place pre-orders:
{{.verify_url}}
`),
	db.KindConfirm: mustEmail(db.KindConfirm,
		`Your pre-order: {{.offer_title}}`,
		`Hello {{.first_name}},

your pre-order of {{.quantity}} x {{.offer_title}} is confirmed and binding.
{{- if .previous_quantity}}
You increased it from {{.previous_quantity}}.
{{- end}}

Pickup: {{.pickup_start}} to {{.pickup_end}}.
`),
	db.KindReminderPre: mustEmail(db.KindReminderPre,
		`Pickup starts in two days: {{.offer_title}}`,
		`Hello {{.first_name}},

your {{.quantity}} x {{.offer_title}} can be picked up from {{.pickup_start}} until {{.pickup_end}}.
`),
	db.KindReminderStart: mustEmail(db.KindReminderStart,
		`Ready for pickup: {{.offer_title}}`,
		`Hello {{.first_name}},

your {{.quantity}} x {{.offer_title}} is ready for pickup today. Please collect it by {{.pickup_end}}.
`),
}

// Render produces the subject and plain-text body for msg.
func Render(msg Message) (subject, body string, err error) {
	tmpl, ok := templates[msg.Kind]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
	}

	var sb, bb bytes.Buffer
	if err := tmpl.subject.Execute(&sb, msg.Context); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", msg.Kind, err)
	}
	if err := tmpl.body.Execute(&bb, msg.Context); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", msg.Kind, err)
	}
	return sb.String(), bb.String(), nil
}

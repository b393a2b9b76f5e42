package notify

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/resend/resend-go/v3"

	"uptrack/config"
	"uptrack/model"
)

type statusChangeData struct {
	Name     string
	URL      string
	Status   string
	Color    string
	Headline string
	Message  string
	DateTime string
}

const statusChangeTemplate = `
<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="margin: 0; padding: 0; background-color: #f6f9fc; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif;">
	<div style="max-width: 600px; margin: 20px auto; background-color: #ffffff; border-radius: 12px; overflow: hidden;">
		<div style="background-color: {{.Color}}; padding: 30px 40px; text-align: center;">
			<h1 style="margin: 0; color: #ffffff; font-size: 24px;">{{.Headline}}</h1>
			<p style="margin: 10px 0 0; color: rgba(255,255,255,0.9); font-size: 14px;">{{.DateTime}}</p>
		</div>
		<div style="padding: 30px 40px;">
			<div style="font-size: 20px; font-weight: 700; color: #1e293b;">{{.Name}}</div>
			<div style="font-size: 14px; color: #64748b; margin-bottom: 20px;">{{.URL}}</div>
			<div style="font-size: 16px; color: #1e293b;">Status: <strong>{{.Status}}</strong></div>
			{{if .Message}}<div style="margin-top: 12px; font-size: 14px; color: #64748b;">{{.Message}}</div>{{end}}
		</div>
	</div>
</body>
</html>`

var statusChangeTmpl = template.Must(template.New("statusChange").Parse(statusChangeTemplate))

// EmailSender delivers transactional status-change mail through Resend.
type EmailSender struct{}

func NewEmailSender() *EmailSender {
	return &EmailSender{}
}

func (s *EmailSender) SendStatusChange(address string, m *model.Monitor, check *model.MonitorCheck, status int) error {
	data := statusChangeData{
		Name:     m.Name,
		URL:      m.URL,
		Status:   model.StatusString(status),
		Color:    "#e74c3c",
		Headline: "Monitor down",
		Message:  check.ErrorMessage,
		DateTime: check.CheckedAt.Format("2006-01-02 15:04:05"),
	}
	if status == model.StatusUp {
		data.Color = "#2ecc71"
		data.Headline = "Monitor recovered"
		data.Message = ""
	}

	var buf bytes.Buffer
	if err := statusChangeTmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render status change email: %w", err)
	}

	subject := fmt.Sprintf("uptrack: %s is %s", m.Name, model.StatusString(status))
	return send([]string{address}, subject, buf.String())
}

func (s *EmailSender) SendTest(address string) error {
	return send([]string{address},
		"uptrack: test notification",
		"<p>If you can read this, email notifications work.</p>")
}

// send is a single delivery attempt; the dispatcher owns retries.
func send(to []string, subject, htmlContent string) error {
	apiKey := config.GlobalConfig.Notification.ResendAPIKey
	if apiKey == "" {
		return fmt.Errorf("resend API key is not configured")
	}

	client := resend.NewClient(apiKey)

	fromEmail := config.GlobalConfig.Notification.FromEmail
	if fromEmail == "" {
		fromEmail = "onboarding@resend.dev"
	}
	fromName := config.GlobalConfig.Notification.FromName
	if fromName == "" {
		fromName = "uptrack"
	}

	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", fromName, fromEmail),
		To:      to,
		Subject: subject,
		Html:    htmlContent,
	}

	if _, err := client.Emails.Send(params); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

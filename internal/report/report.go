// Package report mails user reports to the moderation inbox.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Novo967/Tripping-app-sub001/internal/config"
	"github.com/Novo967/Tripping-app-sub001/internal/core"
	"github.com/Novo967/Tripping-app-sub001/internal/logging"
)

var (
	ErrUnauthenticated   = errors.New("report: caller is not authenticated")
	ErrInvalidArgument   = errors.New("report: missing required report data")
	ErrMailNotConfigured = errors.New("report: smtp is not configured")
)

// sendMailHook allows tests to override SMTP sending behavior.
var sendMailHook = smtp.SendMail

const unknownUser = "משתמש לא ידוע"

// Report is the payload of one user report.
type Report struct {
	ReportedUserID       string   `json:"reportedUserId"`
	ReportedUserUsername string   `json:"reportedUserUsername"`
	Reasons              []string `json:"reasons"`
	OtherReason          string   `json:"otherReason"`
}

// UsernameLookup resolves the reporter's display name.
type UsernameLookup interface {
	PushProfile(ctx context.Context, userID string) (core.UserPushProfile, error)
}

type Reporter struct {
	users UsernameLookup
	smtp  config.SMTPConfig
	log   zerolog.Logger
}

func New(users UsernameLookup, cfg config.SMTPConfig, logger *zerolog.Logger) *Reporter {
	if logger == nil {
		logger = logging.Get()
	}
	return &Reporter{users: users, smtp: cfg, log: logger.With().Str("component", "report").Logger()}
}

var bodyTmpl = template.Must(template.New("report").Parse(`<b>דיווח חדש על משתמש</b><br><br>
<b>פרטי הדיווח:</b><br>
<b>מדווח:</b> {{.ReporterName}} ({{.ReporterUID}})<br>
<b>משתמש מדווח:</b> {{.Report.ReportedUserUsername}} ({{.Report.ReportedUserID}})<br>
<b>סיבות:</b> {{.Reasons}}<br>
<b>פירוט נוסף:</b> {{if .Report.OtherReason}}{{.Report.OtherReason}}{{else}}אין פירוט נוסף{{end}}<br><br>
---
`))

// Report validates r and mails it on behalf of reporterUID.
func (rp *Reporter) Report(ctx context.Context, reporterUID string, r Report) error {
	if reporterUID == "" {
		return ErrUnauthenticated
	}
	if r.ReportedUserID == "" || r.ReportedUserUsername == "" || (len(r.Reasons) == 0 && r.OtherReason == "") {
		return ErrInvalidArgument
	}
	if !rp.smtp.MailEnabled() {
		return ErrMailNotConfigured
	}

	name, err := rp.reporterName(ctx, reporterUID)
	if err != nil {
		return err
	}
	msg, err := rp.compose(reporterUID, name, r)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", rp.smtp.Host, rp.smtp.Port)
	var auth smtp.Auth
	if rp.smtp.User != "" {
		auth = smtp.PlainAuth("", rp.smtp.User, rp.smtp.Pass, rp.smtp.Host)
	}
	if err := sendMailHook(addr, auth, rp.from(), rp.smtp.To, msg); err != nil {
		rp.log.Error().Err(err).Str("reported", r.ReportedUserID).Msg("report mail failed")
		return fmt.Errorf("send report mail: %w", err)
	}
	rp.log.Info().Str("reporter", reporterUID).Str("reported", r.ReportedUserID).Msg("report mailed")
	return nil
}

func (rp *Reporter) reporterName(ctx context.Context, uid string) (string, error) {
	p, err := rp.users.PushProfile(ctx, uid)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return unknownUser, nil
	case err != nil:
		return "", fmt.Errorf("load reporter %s: %w", uid, err)
	case p.Username == "":
		return unknownUser, nil
	}
	return p.Username, nil
}

func (rp *Reporter) from() string {
	if rp.smtp.From != "" {
		return rp.smtp.From
	}
	return rp.smtp.User
}

func (rp *Reporter) compose(reporterUID, reporterName string, r Report) ([]byte, error) {
	var body bytes.Buffer
	err := bodyTmpl.Execute(&body, struct {
		ReporterUID, ReporterName, Reasons string
		Report                             Report
	}{reporterUID, reporterName, strings.Join(r.Reasons, ", "), r})
	if err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", rp.from())
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(rp.smtp.To, ","))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", "דיווח על משתמש: "+r.ReportedUserUsername))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

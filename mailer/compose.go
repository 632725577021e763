package mailer

import (
	"bytes"
	"fmt"
	"net/mail"
	"time"

	"github.com/emersion/go-message"
)

// ApprovalRequest carries everything needed to compose one request email.
type ApprovalRequest struct {
	From          string
	SenderName    string
	To            string
	Hostname      string
	DocumentTitle string
	RequestedBy   string
	TokenID       string
	ExpiresAt     *time.Time
}

// Compose renders the request as an RFC822 message. The token reference is
// embedded in the subject so ordinary mail clients carry it back in the
// reply subject unchanged.
func Compose(req ApprovalRequest) ([]byte, string, error) {
	messageID := fmt.Sprintf("<%d.request@%s>", time.Now().UnixNano(), req.Hostname)

	from := req.From
	if req.SenderName != "" {
		from = (&mail.Address{Name: req.SenderName, Address: req.From}).String()
	}

	var buf bytes.Buffer
	var msgHeader message.Header
	msgHeader.Set("From", from)
	msgHeader.Set("To", req.To)
	msgHeader.Set("Subject", fmt.Sprintf("Approval requested: %s [%s]", req.DocumentTitle, req.TokenID))
	msgHeader.Set("Message-ID", messageID)
	msgHeader.Set("Auto-Submitted", "auto-generated")
	msgHeader.Set("Date", time.Now().Format(time.RFC1123Z))
	msgHeader.Set("Content-Type", "text/plain; charset=utf-8")

	w, err := message.CreateWriter(&buf, msgHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := w.Write([]byte(requestBody(req))); err != nil {
		return nil, "", err
	}
	w.Close()

	return buf.Bytes(), messageID, nil
}

func requestBody(req ApprovalRequest) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "The document %q needs your approval.\r\n", req.DocumentTitle)
	if req.RequestedBy != "" {
		fmt.Fprintf(&b, "Requested by: %s\r\n", req.RequestedBy)
	}
	b.WriteString("\r\n")
	b.WriteString("Reply to this message with APPROVE or REJECT.\r\n")
	b.WriteString("Keep the reference below in your reply:\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "    [%s]\r\n", req.TokenID)
	if req.ExpiresAt != nil {
		b.WriteString("\r\n")
		fmt.Fprintf(&b, "This request expires at %s.\r\n", req.ExpiresAt.UTC().Format(time.RFC1123Z))
	}
	return b.String()
}

package mailer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{
			name:      "nil error",
			err:       nil,
			permanent: false,
		},
		{
			name:      "5xx SMTP error is permanent",
			err:       &smtp.SMTPError{Code: 550, Message: "mailbox unavailable"},
			permanent: true,
		},
		{
			name:      "4xx SMTP error is temporary",
			err:       &smtp.SMTPError{Code: 451, Message: "try again later"},
			permanent: false,
		},
		{
			name:      "wrapped 5xx SMTP error",
			err:       fmt.Errorf("failed to set recipient: %w", &smtp.SMTPError{Code: 553, Message: "invalid address"}),
			permanent: true,
		},
		{
			name:      "explicit permanent SendError",
			err:       &SendError{Err: errors.New("bad credentials"), Permanent: true},
			permanent: true,
		},
		{
			name:      "explicit temporary SendError",
			err:       &SendError{Err: errors.New("connection reset"), Permanent: false},
			permanent: false,
		},
		{
			name:      "plain network error is temporary",
			err:       errors.New("dial tcp: connection refused"),
			permanent: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.permanent, IsPermanentError(tc.err))
		})
	}
}

func TestSendErrorUnwrap(t *testing.T) {
	inner := &smtp.SMTPError{Code: 550, Message: "no such user"}
	err := &SendError{Err: fmt.Errorf("failed to set recipient: %w", inner), Permanent: true}

	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr))
	assert.Equal(t, 550, smtpErr.Code)
	assert.Contains(t, err.Error(), "permanent failure")
}

func TestComposeApprovalRequest(t *testing.T) {
	expires := time.Date(2026, 9, 4, 12, 0, 0, 0, time.UTC)
	raw, messageID, err := Compose(ApprovalRequest{
		From:          "approvals@example.com",
		SenderName:    "Countersign",
		To:            "reviewer@example.com",
		Hostname:      "mail.example.com",
		DocumentTitle: "Budget Q3",
		RequestedBy:   "author@example.com",
		TokenID:       "CS-b1946ac9-4b2d-4a0e-9b17-2d1f6f2a9c42",
		ExpiresAt:     &expires,
	})
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.True(t, strings.HasPrefix(messageID, "<"))
	assert.Contains(t, messageID, "@mail.example.com>")

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Approval requested: Budget Q3 [CS-b1946ac9-4b2d-4a0e-9b17-2d1f6f2a9c42]", subject)

	fromList, err := mr.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, fromList, 1)
	assert.Equal(t, "Countersign", fromList[0].Name)
	assert.Equal(t, "approvals@example.com", fromList[0].Address)

	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "[CS-b1946ac9-4b2d-4a0e-9b17-2d1f6f2a9c42]")
	assert.Contains(t, text, "APPROVE or REJECT")
	assert.Contains(t, text, "Requested by: author@example.com")
	assert.Contains(t, text, "expires at")
}

func TestComposeWithoutExpiry(t *testing.T) {
	raw, _, err := Compose(ApprovalRequest{
		From:          "approvals@example.com",
		To:            "reviewer@example.com",
		Hostname:      "mail.example.com",
		DocumentTitle: "Policy update",
		TokenID:       "CS-11111111-2222-3333-4444-555555555555",
	})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "expires at")
}

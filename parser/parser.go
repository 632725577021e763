// Package parser classifies inbound mail into approval decisions.
//
// Parsing is pure: it never touches the token store or documents. A message
// is a decision when it carries a token reference and exactly one outcome
// keyword family.
//
// Matching grammar:
//
//   - Token reference: "[CS-<uuid>]" looked for in the Subject header first,
//     then in the message body. The brackets are part of the reference; the
//     request sender puts them in the subject so standard "Re:" replies
//     carry the reference back unchanged.
//   - Outcome keywords, case-insensitive, matched as whole words over the
//     subject and the non-quoted body lines:
//     approve: approve, approved, accept, accepted, yes, onay, onaylandi
//     reject:  reject, rejected, decline, declined, deny, denied, no, red
//   - Lines starting with ">" and everything below a reply separator
//     ("On ... wrote:", "-----Original Message-----") are ignored, so the
//     quoted request text does not count as an answer.
//
// A message with no token reference is Ignored (unrelated mail). A message
// with a token reference but no single unambiguous outcome is Malformed and
// is left unseen in the mailbox for manual follow-up.
package parser

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
)

// Classification is the parse outcome for one raw message.
type Classification int

const (
	// ClassIgnored means the message carries no token reference.
	ClassIgnored Classification = iota
	// ClassMalformed means a token reference is present but the outcome is
	// missing or ambiguous.
	ClassMalformed
	// ClassDecision means the message is a well-formed approval decision.
	ClassDecision
)

func (c Classification) String() string {
	switch c {
	case ClassIgnored:
		return "ignored"
	case ClassMalformed:
		return "malformed"
	case ClassDecision:
		return "decision"
	default:
		return "unknown"
	}
}

// Outcome is the approver's verdict.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// Decision is a parsed approval reply. It is transient; only its effects are
// persisted.
type Decision struct {
	TokenID         string
	Outcome         Outcome
	SourceMessageID string
}

// Result is the classification of one raw message.
type Result struct {
	Classification Classification
	Decision       *Decision
	Reason         string
}

var (
	tokenRe = regexp.MustCompile(`\[(CS-[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\]`)

	approveRe = regexp.MustCompile(`(?i)\b(approve|approved|accept|accepted|yes|onay|onayland[iı])\b`)
	rejectRe  = regexp.MustCompile(`(?i)\b(reject|rejected|decline|declined|deny|denied|no|red)\b`)

	quoteSeparatorRe = regexp.MustCompile(`(?i)^(On .+ wrote:|-+\s*Original Message\s*-+|From: .+)$`)
)

// Parse classifies one raw RFC 5322 message.
func Parse(raw []byte) *Result {
	subject, body, messageID := extractText(raw)

	tokenID := findToken(subject)
	if tokenID == "" {
		tokenID = findToken(body)
	}
	if tokenID == "" {
		return &Result{Classification: ClassIgnored, Reason: "no token reference"}
	}

	text := subject + "\n" + stripQuoted(body)
	// The reference itself contains hex words ("red" never, but keep the
	// scan clean anyway).
	text = tokenRe.ReplaceAllString(text, " ")

	approves := approveRe.MatchString(text)
	rejects := rejectRe.MatchString(text)

	switch {
	case approves && rejects:
		return &Result{Classification: ClassMalformed, Reason: "ambiguous outcome keywords"}
	case !approves && !rejects:
		return &Result{Classification: ClassMalformed, Reason: "no outcome keyword"}
	}

	outcome := OutcomeApprove
	if rejects {
		outcome = OutcomeReject
	}

	return &Result{
		Classification: ClassDecision,
		Decision: &Decision{
			TokenID:         tokenID,
			Outcome:         outcome,
			SourceMessageID: messageID,
		},
	}
}

func findToken(text string) string {
	m := tokenRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// stripQuoted drops quoted reply lines and everything below the first reply
// separator, so only the approver's own words are scanned.
func stripQuoted(body string) string {
	var b strings.Builder
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if quoteSeparatorRe.MatchString(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// extractText pulls the subject, a plain-text rendering of the body and the
// Message-Id out of a raw message. A message that cannot be parsed at all is
// still scanned as raw text so a token reference is not lost to a broken
// MIME structure.
func extractText(raw []byte) (subject, body, messageID string) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", string(raw), ""
	}

	header := mail.Header{Header: entity.Header}
	subject, _ = header.Subject()
	messageID, _ = header.MessageID()
	if messageID != "" {
		messageID = "<" + messageID + ">"
	}

	plain, html := extractBodies(entity)
	if plain == "" && html != "" {
		plain = html2text.HTML2Text(html)
	}
	return subject, plain, messageID
}

// extractBodies walks the MIME structure and returns the first text/plain
// and text/html parts found.
func extractBodies(entity *message.Entity) (plain, html string) {
	mediaType, _, _ := entity.Header.ContentType()

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return "", ""
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			p, h := extractBodies(part)
			if plain == "" {
				plain = p
			}
			if html == "" {
				html = h
			}
			if plain != "" {
				break
			}
		}
		return plain, html
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return "", ""
	}

	switch {
	case strings.HasPrefix(mediaType, "text/html"):
		return "", string(content)
	case strings.HasPrefix(mediaType, "text/"), mediaType == "":
		return string(content), ""
	default:
		return "", ""
	}
}

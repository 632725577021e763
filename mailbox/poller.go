// Package mailbox retrieves unseen approval replies over IMAP.
//
// The poller opens one session per poll cycle: dial, login, select the
// configured folder, search unseen, fetch the full messages, and let the
// engine mark individual messages seen once they have been processed.
// Messages are never marked seen before the decision applier confirms the
// outcome, so a crash mid-run redelivers on the next cycle (at-least-once).
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/parchmint/countersign/config"
	"github.com/parchmint/countersign/logger"
)

// ErrMailboxUnavailable wraps all connect, auth and protocol failures. The
// engine treats it as transient: the run ends early and the next scheduled
// tick retries naturally.
var ErrMailboxUnavailable = errors.New("mailbox unavailable")

// RawMessage is one unseen message as fetched from the mailbox.
type RawMessage struct {
	UID      imap.UID
	Subject  string
	Received time.Time
	Raw      []byte
}

// Session is one open mailbox connection, valid for a single poll cycle.
type Session interface {
	FetchUnseen(ctx context.Context) ([]RawMessage, error)
	MarkSeen(ctx context.Context, uid imap.UID) error
	Close() error
}

// Source opens mailbox sessions. The engine depends on this interface so
// tests can substitute a fake mailbox.
type Source interface {
	Connect(ctx context.Context) (Session, error)
}

// Poller implements Source against a real IMAP server.
type Poller struct {
	cfg config.IMAPConfig
}

func New(cfg config.IMAPConfig) *Poller {
	return &Poller{cfg: cfg}
}

// Connect dials the server, authenticates and selects the reply folder.
func (p *Poller) Connect(ctx context.Context) (Session, error) {
	dialTimeout, err := p.cfg.GetDialTimeout()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid dial timeout: %v", ErrMailboxUnavailable, err)
	}

	addr := p.cfg.Address()
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *imapclient.Client
	if p.cfg.TLS {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			ServerName: p.cfg.Host,
			MinVersion: tls.VersionTLS12,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to dial %s: %v", ErrMailboxUnavailable, addr, err)
		}
		client = imapclient.New(conn, nil)
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to dial %s: %v", ErrMailboxUnavailable, addr, err)
		}
	}

	if err := client.Login(p.cfg.Username, p.cfg.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: login failed for %s: %v", ErrMailboxUnavailable, p.cfg.Username, err)
	}

	folder := p.cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to select %s: %v", ErrMailboxUnavailable, folder, err)
	}

	return &imapSession{client: client, folder: folder}, nil
}

type imapSession struct {
	client *imapclient.Client
	folder string
}

// FetchUnseen returns one finite batch: every message in the folder that is
// not yet flagged seen.
func (s *imapSession) FetchUnseen(ctx context.Context) ([]RawMessage, error) {
	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: unseen search failed: %v", ErrMailboxUnavailable, err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	logger.Debug("Fetching unseen messages", "folder", s.folder, "count", len(uids))

	// BODY.PEEK[]: fetching must not set \Seen as a side effect.
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch failed: %v", ErrMailboxUnavailable, err)
	}

	messages := make([]RawMessage, 0, len(buffers))
	for _, buf := range buffers {
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			logger.Warn("Fetched message without body section", "uid", buf.UID)
			continue
		}
		msg := RawMessage{
			UID:      buf.UID,
			Received: buf.InternalDate,
			Raw:      raw,
		}
		if buf.Envelope != nil {
			msg.Subject = buf.Envelope.Subject
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// MarkSeen flags one message as handled. Called only after the applier has
// durably recorded the message's effect.
func (s *imapSession) MarkSeen(ctx context.Context, uid imap.UID) error {
	// A silent STORE returns no fetch items; Close drains the command.
	err := s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagSeen},
		Silent: true,
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("%w: failed to mark %d seen: %v", ErrMailboxUnavailable, uid, err)
	}
	return nil
}

func (s *imapSession) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		// The session is being discarded either way.
		logger.Debug("IMAP logout failed", "error", err)
		return s.client.Close()
	}
	return nil
}

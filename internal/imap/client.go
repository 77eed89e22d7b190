// Package imap is the mailbox collaborator: it fetches unread messages and
// moves them between folders over IMAP.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"

	"github.com/corey-beep/email-agent/internal/config"
	"github.com/corey-beep/email-agent/internal/email"
)

const dialTimeout = 30 * time.Second

// backend is the subset of *client.Client the agent uses
type backend interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
	UidCopy(seqset *imap.SeqSet, dest string) error
	Expunge(ch chan uint32) error
	List(ref, name string, ch chan *imap.MailboxInfo) error
	Logout() error
}

// Client is a mailbox bound to one folder. Every command holds mu, so the
// connection is never used concurrently.
type Client struct {
	mu      sync.Mutex
	backend backend
	folder  string
	logger  zerolog.Logger
}

// NewClient connects and logs in to the configured server
func NewClient(cfg *config.IMAPConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("imap host is not configured")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("imap credentials are not configured")
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		c   *client.Client
		err error
	)
	switch cfg.Security {
	case "none", "starttls":
		c, err = client.DialWithDialer(dialer, cfg.Addr())
	default:
		c, err = client.DialWithDialerTLS(dialer, cfg.Addr(), &tls.Config{ServerName: cfg.Host})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", cfg.Addr(), err)
	}

	if cfg.Security == "starttls" {
		if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			c.Logout()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	return NewClientWithBackend(c, cfg.Folder, logger), nil
}

// NewClientWithBackend wraps an already authenticated connection
func NewClientWithBackend(b backend, folder string, logger zerolog.Logger) *Client {
	if folder == "" {
		folder = "INBOX"
	}
	return &Client{
		backend: b,
		folder:  folder,
		logger:  logger.With().Str("component", "imap").Str("folder", folder).Logger(),
	}
}

// Folder returns the folder messages are fetched from
func (c *Client) Folder() string {
	return c.folder
}

// Close logs out
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil
	}
	return c.backend.Logout()
}

// ListFolders lists all available mailboxes
func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.backend.List("", "*", mailboxes)
	}()

	folders := []string{}
	for m := range mailboxes {
		folders = append(folders, m.Name)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// FetchUnread returns up to limit unseen messages, oldest first. Bodies are
// fetched with BODY.PEEK so fetching does not mark anything read.
func (c *Client) FetchUnread(ctx context.Context, limit int) ([]email.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := c.backend.Select(c.folder, false); err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", c.folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.backend.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search unread messages: %w", err)
	}
	if len(uids) == 0 {
		return []email.RawMessage{}, nil
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.backend.UidFetch(seqSet, items, messages)
	}()

	out := make([]email.RawMessage, 0, len(uids))
	for msg := range messages {
		raw, err := c.toRaw(msg)
		if err != nil {
			c.logger.Warn().Err(err).Uint32("uid", msg.Uid).Msg("Failed to read message body")
			raw.BodyErr = err
		}
		out = append(out, raw)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	// Servers may answer FETCH in any order
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseUint(out[i].ID, 10, 32)
		b, _ := strconv.ParseUint(out[j].ID, 10, 32)
		return a < b
	})

	c.logger.Debug().Int("count", len(out)).Msg("Fetched unread messages")
	return out, nil
}

func (c *Client) toRaw(msg *imap.Message) (email.RawMessage, error) {
	raw := email.RawMessage{
		ID:           strconv.FormatUint(uint64(msg.Uid), 10),
		Folder:       c.folder,
		InternalDate: msg.InternalDate,
		Flags:        msg.Flags,
	}
	if env := msg.Envelope; env != nil {
		raw.Subject = env.Subject
		raw.Date = env.Date
		if len(env.From) > 0 && env.From[0] != nil {
			from := email.Address{Name: env.From[0].PersonalName, Address: env.From[0].Address()}
			raw.From = from.String()
		}
	}

	for _, literal := range msg.Body {
		if literal == nil {
			continue
		}
		body, err := io.ReadAll(literal)
		if err != nil {
			return raw, err
		}
		raw.Body = body
		break
	}
	return raw, nil
}

// MoveMessage moves a message out of the client's folder. MOVE is used when
// the server supports it, otherwise COPY, \Deleted and EXPUNGE.
func (c *Client) MoveMessage(ctx context.Context, id, dest string) error {
	if dest == c.folder {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	seqSet, err := uidSet(id)
	if err != nil {
		return err
	}

	if _, err := c.backend.Select(c.folder, false); err != nil {
		return fmt.Errorf("failed to select folder %s: %w", c.folder, err)
	}

	if err := c.backend.UidMove(seqSet, dest); err != nil {
		c.logger.Debug().Err(err).Str("uid", id).Msg("MOVE failed, falling back to COPY")

		if err := c.backend.UidCopy(seqSet, dest); err != nil {
			return fmt.Errorf("failed to copy message: %w", err)
		}

		item := imap.FormatFlagsOp(imap.AddFlags, true)
		flags := []interface{}{imap.DeletedFlag}
		if err := c.backend.UidStore(seqSet, item, flags, nil); err != nil {
			return fmt.Errorf("failed to mark message as deleted: %w", err)
		}

		if err := c.backend.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge: %w", err)
		}
	}

	return nil
}

// MarkSeen sets the \Seen flag on a message
func (c *Client) MarkSeen(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	seqSet, err := uidSet(id)
	if err != nil {
		return err
	}

	if _, err := c.backend.Select(c.folder, false); err != nil {
		return fmt.Errorf("failed to select folder %s: %w", c.folder, err)
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := c.backend.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark message seen: %w", err)
	}
	return nil
}

func uidSet(id string) (*imap.SeqSet, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || uid == 0 {
		return nil, fmt.Errorf("invalid message id %q", id)
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))
	return seqSet, nil
}

package imapconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

// commandTimeout bounds individual IMAP commands so a hung connection
// surfaces as an error instead of stalling the pipeline
const commandTimeout = 30 * time.Second

// idleRestartInterval keeps IDLE sessions shorter than the 30 minute
// RFC 2177 ceiling after which servers may drop the connection
const idleRestartInterval = 25 * time.Minute

// commandQuietWindow is how long the run loop stays out of IDLE after a
// command, so a resync burst does not pay an IDLE restart per fetch
const commandQuietWindow = 250 * time.Millisecond

// Config holds the IMAP connection settings for a single account
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
}

// RawMessage is one fetched message before normalization
type RawMessage struct {
	UID          uint32
	Envelope     *imap.Envelope
	Flags        []string
	InternalDate time.Time
	Raw          []byte
}

// command is a unit of work executed by the run loop on the live connection
type command struct {
	fn   func(c *client.Client) error
	done chan error
}

// Manager owns the long-lived IMAP connection. A single run-loop goroutine
// holds the client; Search and Fetch hand their work to that goroutine over
// the command channel, so IDLE and commands never interleave.
type Manager struct {
	cfg    Config
	logger *logrus.Logger
	events chan Event
	cmds   chan command
}

// NewManager creates a manager (does not connect until Run)
func NewManager(cfg Config, logger *logrus.Logger) *Manager {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 16),
		cmds:   make(chan command),
	}
}

// Events returns the lifecycle event queue. It is closed when Run returns.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Run drives the connection lifecycle until ctx is cancelled: connect,
// idle, detect drops, reconnect with capped exponential backoff. It never
// gives up on its own; authentication failures retry like any other drop so
// an operator can fix credentials without restarting the process.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.events)

	attempt := 0
	for {
		c, err := m.connect()
		if err != nil {
			attempt++
			delay := reconnectDelay(attempt)
			m.logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("IMAP connect failed")
			if !m.emit(ctx, Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay, Err: err}) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		if !m.emit(ctx, Event{Kind: EventConnected}) {
			c.Logout() //nolint:errcheck
			return
		}

		err = m.serve(ctx, c)
		c.Logout() //nolint:errcheck

		if ctx.Err() != nil {
			return
		}

		m.logger.WithError(err).Warn("IMAP connection lost")
		if !m.emit(ctx, Event{Kind: EventDropped, Err: err}) {
			return
		}

		attempt++
		delay := reconnectDelay(attempt)
		if !m.emit(ctx, Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay, Err: err}) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connect establishes the TLS connection, logs in, and selects the mailbox
func (m *Manager) connect() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	c, err := client.DialTLS(addr, &tls.Config{
		ServerName: m.cfg.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = commandTimeout

	if err := c.Login(m.cfg.Username, m.cfg.Password); err != nil {
		c.Logout() //nolint:errcheck
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	if _, err := c.Select(m.cfg.Mailbox, false); err != nil {
		c.Logout() //nolint:errcheck
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.cfg.Mailbox, err)
	}

	m.logger.WithFields(logrus.Fields{
		"host":    m.cfg.Host,
		"mailbox": m.cfg.Mailbox,
	}).Info("Connected to IMAP server")
	return c, nil
}

// serve alternates between IDLE and command execution on an established
// connection, returning when the connection fails or ctx is cancelled
func (m *Manager) serve(ctx context.Context, c *client.Client) error {
	updates := make(chan client.Update, 16)
	c.Updates = updates

	for {
		stop := make(chan struct{})
		idleDone := make(chan error, 1)
		go func() {
			idleDone <- c.Idle(stop, &client.IdleOptions{LogoutTimeout: idleRestartInterval})
		}()

	idle:
		for {
			select {
			case <-ctx.Done():
				close(stop)
				<-idleDone
				return ctx.Err()

			case upd := <-updates:
				m.handleUpdate(upd)

			case cmd := <-m.cmds:
				close(stop)
				if err := <-idleDone; err != nil {
					cmd.done <- fmt.Errorf("connection lost: %w", err)
					return err
				}
				m.runCommand(c, cmd, updates)
				break idle

			case err := <-idleDone:
				if err != nil {
					return err
				}
				// Periodic IDLE restart
				break idle
			}
		}

		if err := m.drainCommands(ctx, c, updates); err != nil {
			return err
		}
	}
}

// drainCommands serves follow-up commands until the burst quiets down,
// then lets the run loop resume IDLE
func (m *Manager) drainCommands(ctx context.Context, c *client.Client, updates chan client.Update) error {
	quiet := time.NewTimer(commandQuietWindow)
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-m.cmds:
			m.runCommand(c, cmd, updates)
			if !quiet.Stop() {
				<-quiet.C
			}
			quiet.Reset(commandQuietWindow)
		case upd := <-updates:
			m.handleUpdate(upd)
		case <-quiet.C:
			return nil
		}
	}
}

// runCommand executes one command while keeping the updates channel drained,
// since go-imap blocks delivering unilateral updates to a full channel
func (m *Manager) runCommand(c *client.Client, cmd command, updates chan client.Update) {
	done := make(chan error, 1)
	go func() {
		done <- cmd.fn(c)
	}()

	for {
		select {
		case err := <-done:
			cmd.done <- err
			return
		case upd := <-updates:
			m.handleUpdate(upd)
		}
	}
}

// handleUpdate translates unilateral server data into events
func (m *Manager) handleUpdate(upd client.Update) {
	mbox, ok := upd.(*client.MailboxUpdate)
	if !ok {
		return
	}
	// Non-blocking: a dropped wake is harmless because resync is driven by
	// the stored position, and the next wake recovers it
	select {
	case m.events <- Event{Kind: EventNewMail, Count: mbox.Mailbox.Messages}:
	default:
	}
}

// emit delivers a lifecycle event, reporting false if ctx was cancelled
// before the consumer accepted it
func (m *Manager) emit(ctx context.Context, ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// do hands a unit of work to the run loop and waits for its result
func (m *Manager) do(ctx context.Context, fn func(c *client.Client) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SearchAfter enumerates the UIDs of all messages newer than lastUID, in
// ascending order. With an empty lastUID it enumerates the whole mailbox.
func (m *Manager) SearchAfter(ctx context.Context, lastUID string) ([]string, error) {
	var after uint64
	if lastUID != "" {
		n, err := strconv.ParseUint(lastUID, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid last uid %q: %w", lastUID, err)
		}
		if n >= math.MaxUint32 {
			return []string{}, nil
		}
		after = n
	}

	var uids []uint32
	err := m.do(ctx, func(c *client.Client) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddRange(uint32(after)+1, 0)

		criteria := imap.NewSearchCriteria()
		criteria.Uid = seqSet

		res, err := c.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("failed to search mailbox: %w", err)
		}
		uids = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sortedUIDStrings(uids, after), nil
}

// SearchRecentUnseen returns the UIDs of at most limit of the newest unseen
// messages, ascending. Used for the bounded first-run replay.
func (m *Manager) SearchRecentUnseen(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}

	var uids []uint32
	err := m.do(ctx, func(c *client.Client) error {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.SeenFlag}

		res, err := c.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("failed to search for unseen messages: %w", err)
		}
		uids = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := sortedUIDStrings(uids, 0)
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	return ids, nil
}

// LatestUID reports the highest UID the mailbox has assigned so far, as an
// opaque id, "0" when the mailbox is empty. Selecting the mailbox gives us
// UIDNEXT; a search over the whole mailbox is the fallback for servers that
// omit it.
func (m *Manager) LatestUID(ctx context.Context) (string, error) {
	var latest uint32
	err := m.do(ctx, func(c *client.Client) error {
		if status := c.Mailbox(); status != nil && status.UidNext > 0 {
			latest = status.UidNext - 1
			return nil
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddRange(1, 0)
		criteria := imap.NewSearchCriteria()
		criteria.Uid = seqSet

		res, err := c.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("failed to search mailbox: %w", err)
		}
		for _, uid := range res {
			if uid > latest {
				latest = uid
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(latest), 10), nil
}

// Fetch retrieves one message's envelope, flags, and full RFC 822 content
func (m *Manager) Fetch(ctx context.Context, id string) (*RawMessage, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid message id %q: %w", id, err)
	}

	var raw *RawMessage
	err = m.do(ctx, func(c *client.Client) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uint32(n))

		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{
			imap.FetchEnvelope,
			imap.FetchFlags,
			imap.FetchInternalDate,
			imap.FetchUid,
			section.FetchItem(),
		}

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqSet, items, messages)
		}()

		for msg := range messages {
			var body []byte
			if literal := msg.GetBody(section); literal != nil {
				body, err = io.ReadAll(literal)
				if err != nil {
					m.logger.WithError(err).WithField("uid", msg.Uid).Error("Failed to read message body")
					body = nil
				}
			}
			raw = &RawMessage{
				UID:          msg.Uid,
				Envelope:     msg.Envelope,
				Flags:        append([]string(nil), msg.Flags...),
				InternalDate: msg.InternalDate,
				Raw:          body,
			}
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch message: %w", err)
		}
		if raw == nil {
			return fmt.Errorf("message %s not found on server", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// sortedUIDStrings sorts UIDs ascending, drops everything at or below the
// after bound, and renders them as opaque decimal ids. The bound matters
// because a UID range past the current maximum makes servers return the
// newest message instead of nothing.
func sortedUIDStrings(uids []uint32, after uint64) []string {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		if uint64(uid) <= after {
			continue
		}
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids
}

package ingest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/inboxd/internal/imapconn"
	"github.com/brandon/inboxd/internal/state"
	"github.com/brandon/inboxd/internal/store"
)

// fakeSource serves canned messages keyed by uid
type fakeSource struct {
	messages  map[string]*imapconn.RawMessage
	unseen    []string
	failFetch map[string]bool
}

func (f *fakeSource) SearchAfter(ctx context.Context, lastUID string) ([]string, error) {
	var after uint64
	if lastUID != "" {
		after, _ = strconv.ParseUint(lastUID, 10, 32)
	}

	var ids []string
	for id := range f.messages {
		n, _ := strconv.ParseUint(id, 10, 32)
		if n > after {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseUint(ids[i], 10, 32)
		b, _ := strconv.ParseUint(ids[j], 10, 32)
		return a < b
	})
	return ids, nil
}

func (f *fakeSource) SearchRecentUnseen(ctx context.Context, limit int) ([]string, error) {
	ids := f.unseen
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	return ids, nil
}

func (f *fakeSource) LatestUID(ctx context.Context) (string, error) {
	var latest uint64
	for id := range f.messages {
		n, _ := strconv.ParseUint(id, 10, 32)
		if n > latest {
			latest = n
		}
	}
	return strconv.FormatUint(latest, 10), nil
}

func (f *fakeSource) Fetch(ctx context.Context, id string) (*imapconn.RawMessage, error) {
	if f.failFetch[id] {
		return nil, fmt.Errorf("fetch %s: connection reset", id)
	}
	raw, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return raw, nil
}

func rawMessage(uid uint32) *imapconn.RawMessage {
	return &imapconn.RawMessage{
		UID: uid,
		Envelope: &imap.Envelope{
			Date:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute),
			Subject: fmt.Sprintf("message %d", uid),
			From: []*imap.Address{
				{MailboxName: "alice", HostName: "example.com"},
			},
			To: []*imap.Address{
				{MailboxName: "bob", HostName: "example.com"},
			},
		},
		Raw: []byte(fmt.Sprintf("Subject: message %d\r\n\r\nbody %d", uid, uid)),
	}
}

func newTestOrchestrator(t *testing.T, src *fakeSource, firstRunLimit int) (*Orchestrator, *store.Store, *state.Tracker) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "messages.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tracker := state.NewTracker(filepath.Join(dir, "ingest_state.json"), logger)
	_, err = tracker.Init()
	require.NoError(t, err)

	return New(src, s, tracker, logger, firstRunLimit), s, tracker
}

func setPosition(t *testing.T, tracker *state.Tracker, uid string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := tracker.Update(state.Patch{LastUID: &uid, LastUIDSeenAt: &now})
	require.NoError(t, err)
}

func TestFirstRunStoresMessage(t *testing.T) {
	src := &fakeSource{
		messages: map[string]*imapconn.RawMessage{"5": rawMessage(5)},
		unseen:   []string{"5"},
	}
	o, s, tracker := newTestOrchestrator(t, src, 25)
	ctx := context.Background()

	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventConnected})

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	st := tracker.Current()
	assert.Equal(t, "5", st.LastUID)
	assert.Equal(t, state.PhaseConnected, st.Phase)
	assert.Nil(t, st.LastError)
	assert.NotNil(t, st.LastConnectedAt)
}

func TestFirstRunBoundedReplay(t *testing.T) {
	src := &fakeSource{
		messages: map[string]*imapconn.RawMessage{
			"1": rawMessage(1),
			"2": rawMessage(2),
			"3": rawMessage(3),
		},
		unseen: []string{"1", "2", "3"},
	}
	o, s, tracker := newTestOrchestrator(t, src, 2)
	ctx := context.Background()

	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventConnected})

	// Only the two newest unseen messages are replayed
	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = s.GetByID(ctx, "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "3", tracker.Current().LastUID)
}

func TestFirstRunLimitZeroStillIngestsNewMail(t *testing.T) {
	src := &fakeSource{
		messages: map[string]*imapconn.RawMessage{
			"5": rawMessage(5),
			"6": rawMessage(6),
		},
		unseen: []string{"5", "6"},
	}
	o, s, tracker := newTestOrchestrator(t, src, 0)
	ctx := context.Background()

	// Limit zero skips the backfill but must anchor at the newest id
	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventConnected})

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, "6", tracker.Current().LastUID)

	// Mail arriving after startup is picked up from the anchored position
	src.messages["7"] = rawMessage(7)
	src.unseen = append(src.unseen, "7")
	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventNewMail})

	count, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.GetByID(ctx, "7")
	assert.NoError(t, err)
	assert.Equal(t, "7", tracker.Current().LastUID)
}

func TestFirstRunEmptyMailboxAnchors(t *testing.T) {
	src := &fakeSource{messages: map[string]*imapconn.RawMessage{}}
	o, _, tracker := newTestOrchestrator(t, src, 25)
	ctx := context.Background()

	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventConnected})
	assert.Equal(t, "0", tracker.Current().LastUID)

	src.messages["1"] = rawMessage(1)
	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventNewMail})
	assert.Equal(t, "1", tracker.Current().LastUID)
}

func TestSkipAndContinue(t *testing.T) {
	src := &fakeSource{
		messages: map[string]*imapconn.RawMessage{
			"11": rawMessage(11),
			"12": rawMessage(12),
			"13": rawMessage(13),
		},
		failFetch: map[string]bool{"12": true},
	}
	o, s, tracker := newTestOrchestrator(t, src, 25)
	ctx := context.Background()
	setPosition(t, tracker, "10")

	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventNewMail})

	// The bad message is skipped; the rest of the batch lands
	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = s.GetByID(ctx, "11")
	assert.NoError(t, err)
	_, err = s.GetByID(ctx, "13")
	assert.NoError(t, err)
	assert.Equal(t, "13", tracker.Current().LastUID)
}

func TestResyncAfterDropNoLoss(t *testing.T) {
	src := &fakeSource{messages: map[string]*imapconn.RawMessage{}}
	for uid := uint32(1); uid <= 5; uid++ {
		src.messages[strconv.FormatUint(uint64(uid), 10)] = rawMessage(uid)
	}
	o, s, tracker := newTestOrchestrator(t, src, 25)
	ctx := context.Background()

	// Messages 1 and 2 were stored before the drop
	for _, id := range []string{"1", "2"} {
		msg, err := Normalize(src.messages[id], time.Now().UTC())
		require.NoError(t, err)
		_, err = s.Insert(ctx, msg)
		require.NoError(t, err)
	}
	setPosition(t, tracker, "2")

	dropErr := fmt.Errorf("use of closed network connection")
	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventDropped, Err: dropErr})
	st := tracker.Current()
	assert.Equal(t, state.PhaseDisconnected, st.Phase)
	require.NotNil(t, st.LastError)

	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventReconnecting, Attempt: 1, Delay: time.Second, Err: dropErr})
	assert.Equal(t, state.PhaseReconnecting, tracker.Current().Phase)

	// Reconnect replays everything after position 2; the overlap dedupes
	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventConnected})

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	st = tracker.Current()
	assert.Equal(t, state.PhaseConnected, st.Phase)
	assert.Equal(t, "5", st.LastUID)
	assert.Nil(t, st.LastError)
}

func TestDuplicateDoesNotAdvanceState(t *testing.T) {
	src := &fakeSource{
		messages: map[string]*imapconn.RawMessage{"2": rawMessage(2)},
	}
	o, s, tracker := newTestOrchestrator(t, src, 25)
	ctx := context.Background()
	setPosition(t, tracker, "1")

	// The message already landed via the other ingestion path
	msg, err := Normalize(rawMessage(2), time.Now().UTC())
	require.NoError(t, err)
	_, err = s.Insert(ctx, msg)
	require.NoError(t, err)

	o.handleEvent(ctx, imapconn.Event{Kind: imapconn.EventNewMail})

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "1", tracker.Current().LastUID)
}

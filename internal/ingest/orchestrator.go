package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/inboxd/internal/imapconn"
	"github.com/brandon/inboxd/internal/state"
	"github.com/brandon/inboxd/internal/store"
	"github.com/brandon/inboxd/pkg/types"
)

// Source enumerates and retrieves messages from the mailbox
type Source interface {
	SearchAfter(ctx context.Context, lastUID string) ([]string, error)
	SearchRecentUnseen(ctx context.Context, limit int) ([]string, error)
	LatestUID(ctx context.Context) (string, error)
	Fetch(ctx context.Context, id string) (*imapconn.RawMessage, error)
}

// MessageStore is the slice of the durable store the orchestrator writes to
type MessageStore interface {
	Insert(ctx context.Context, msg *types.Message) (store.InsertResult, error)
}

// Orchestrator turns connection events into stored messages, tracking
// forward progress in the state record. It is the only writer on the
// mailbox path; the push endpoint writes through the same store but never
// touches the state.
type Orchestrator struct {
	source        Source
	store         MessageStore
	tracker       *state.Tracker
	logger        *logrus.Logger
	firstRunLimit int
}

// New creates an orchestrator. firstRunLimit bounds how many of the newest
// unseen messages are replayed when the state carries no position yet.
func New(source Source, messageStore MessageStore, tracker *state.Tracker, logger *logrus.Logger, firstRunLimit int) *Orchestrator {
	return &Orchestrator{
		source:        source,
		store:         messageStore,
		tracker:       tracker,
		logger:        logger,
		firstRunLimit: firstRunLimit,
	}
}

// Run consumes connection events until ctx is cancelled or the event
// channel closes. All state mutations happen on this single loop.
func (o *Orchestrator) Run(ctx context.Context, events <-chan imapconn.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handleEvent(ctx, ev)
		}
	}
}

// handleEvent applies one lifecycle event to the state and, when the event
// signals activity, resyncs the mailbox
func (o *Orchestrator) handleEvent(ctx context.Context, ev imapconn.Event) {
	switch ev.Kind {
	case imapconn.EventConnected:
		now := time.Now().UTC()
		phase := state.PhaseConnected
		o.updateState(state.Patch{
			Phase:           &phase,
			LastConnectedAt: &now,
			ClearLastError:  true,
		})
		o.resync(ctx)

	case imapconn.EventNewMail:
		o.resync(ctx)

	case imapconn.EventReconnecting:
		phase := state.PhaseReconnecting
		patch := state.Patch{Phase: &phase}
		if ev.Err != nil {
			msg := ev.Err.Error()
			patch.LastError = &msg
		}
		o.updateState(patch)

	case imapconn.EventDropped:
		phase := state.PhaseDisconnected
		patch := state.Patch{Phase: &phase}
		if ev.Err != nil {
			msg := ev.Err.Error()
			patch.LastError = &msg
		}
		o.updateState(patch)
	}
}

// resync enumerates everything newer than the last stored position and
// replays it through the ingestion path in ascending order. On the very
// first run it replays at most firstRunLimit of the newest unseen messages
// instead of the whole mailbox, then anchors the position so every later
// resync enumerates strictly forward.
func (o *Orchestrator) resync(ctx context.Context) {
	st := o.tracker.Current()

	var (
		ids []string
		err error
	)
	if st.LastUID == "" {
		ids, err = o.source.SearchRecentUnseen(ctx, o.firstRunLimit)
	} else {
		ids, err = o.source.SearchAfter(ctx, st.LastUID)
	}
	if err != nil {
		o.logger.WithError(err).Warn("Failed to enumerate new messages")
		return
	}

	if len(ids) > 0 {
		o.logger.WithField("count", len(ids)).Info("Ingesting messages")
		for _, id := range ids {
			if ctx.Err() != nil {
				return
			}
			o.ingestOne(ctx, id)
		}
	}

	// A first run with nothing stored (limit zero, or no unseen mail)
	// must still leave a concrete position behind, or the resync would
	// come up empty forever
	if st.LastUID == "" && o.tracker.Current().LastUID == "" {
		o.anchor(ctx)
	}
}

// anchor records the mailbox's newest assigned id as the resync position
func (o *Orchestrator) anchor(ctx context.Context) {
	latest, err := o.source.LatestUID(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("Failed to establish mailbox position")
		return
	}

	now := time.Now().UTC()
	o.updateState(state.Patch{
		LastUID:       &latest,
		LastUIDSeenAt: &now,
	})
	o.logger.WithField("position", latest).Info("Anchored mailbox position")
}

// ingestOne runs the fetch, normalize, insert, advance pipeline for a
// single message. Every failure is local: it is logged and the next
// candidate proceeds, so one bad message never halts ingestion.
func (o *Orchestrator) ingestOne(ctx context.Context, id string) {
	raw, err := o.source.Fetch(ctx, id)
	if err != nil {
		o.logger.WithError(err).WithField("id", id).Warn("Failed to fetch message, skipping")
		return
	}

	msg, err := Normalize(raw, time.Now().UTC())
	if err != nil {
		o.logger.WithError(err).WithField("id", id).Warn("Malformed message, skipping")
		return
	}

	result, err := o.store.Insert(ctx, msg)
	if err != nil {
		o.logger.WithError(err).WithField("id", id).Warn("Failed to store message, skipping")
		return
	}
	if result == store.Duplicate {
		// Replay catching up; state already covers this message
		return
	}

	now := time.Now().UTC()
	o.updateState(state.Patch{
		LastUID:        &msg.ID,
		LastUIDSeenAt:  &now,
		ClearLastError: true,
	})

	o.logger.WithFields(logrus.Fields{
		"id":      msg.ID,
		"subject": msg.Subject,
	}).Info("Stored message")
}

// updateState applies a patch, logging failures rather than propagating
// them: a failed progress write means at worst a replayed (and then
// deduplicated) message on the next resync
func (o *Orchestrator) updateState(patch state.Patch) {
	if _, err := o.tracker.Update(patch); err != nil {
		o.logger.WithError(err).Error("Failed to persist ingestion state")
	}
}

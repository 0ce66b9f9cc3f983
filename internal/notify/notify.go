// Package notify delivers DMs to mesh participants with per-user anti-spam.
// When the window is saturated during a drain pass, individual success or
// failure DMs collapse into a single summary message.
package notify

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lora-osmnotes/gateway/internal/i18n"
	"github.com/lora-osmnotes/gateway/internal/store"
)

// Per-user DM admission: at most Max DMs per Window.
const (
	Window = 60 * time.Second
	Max    = 3
)

// Sender is the outbound slice of the transport contract the notifier needs.
type Sender interface {
	SendDM(nodeID, text string) bool
	IsConnected() bool
}

// Notifier owns the anti-spam ring and the sent/failed notification drains.
type Notifier struct {
	tr          Sender
	store       *store.Store
	defaultLang string
	maxAttempts int

	mu   sync.Mutex
	ring map[string][]time.Time

	now func() time.Time
}

// New creates a notifier delivering through tr.
func New(tr Sender, st *store.Store, defaultLang string, maxAttempts int) *Notifier {
	return &Notifier{
		tr:          tr,
		store:       st,
		defaultLang: i18n.Normalize(defaultLang),
		maxAttempts: maxAttempts,
		ring:        make(map[string][]time.Time),
		now:         time.Now,
	}
}

func (n *Notifier) lang(ctx context.Context, nodeID string) string {
	lang, err := n.store.UserLang(ctx, nodeID)
	if err != nil || lang == "" {
		return n.defaultLang
	}
	return i18n.Normalize(lang)
}

// admit checks the per-user window and records an admission when allowed.
func (n *Notifier) admit(nodeID string) bool {
	now := n.now()
	cutoff := now.Add(-Window)

	n.mu.Lock()
	defer n.mu.Unlock()

	kept := n.ring[nodeID][:0]
	for _, t := range n.ring[nodeID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= Max {
		n.ring[nodeID] = kept
		return false
	}
	n.ring[nodeID] = append(kept, now)
	return true
}

// record forces an admission into the ring, used by summary DMs which are
// sent even when the window is saturated but still count as one admission.
func (n *Notifier) record(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ring[nodeID] = append(n.ring[nodeID], n.now())
}

// SendCommandResponse delivers a command reply. Saturated users are dropped
// silently: a user spamming commands loses replies, not queue slots.
func (n *Notifier) SendCommandResponse(nodeID, text string) bool {
	if !n.admit(nodeID) {
		log.Debug().Str("node", nodeID).Msg("command response dropped by anti-spam")
		return false
	}
	return n.tr.SendDM(nodeID, text)
}

// AckKind selects the acknowledgment template for a queued report.
type AckKind int

const (
	AckSuccess AckKind = iota
	AckQueued
	AckDuplicate
)

// Ack parametrizes an acknowledgment DM.
type Ack struct {
	Kind      AckKind
	QueueID   string
	OSMNoteID int64
	OSMURL    string
	Place     string
}

// SendAck delivers the acknowledgment for an accepted (or duplicate) report.
func (n *Notifier) SendAck(ctx context.Context, nodeID string, ack Ack) bool {
	lang := n.lang(ctx, nodeID)
	var text string
	switch ack.Kind {
	case AckSuccess:
		location := ""
		if ack.Place != "" {
			location = "📍 " + ack.Place + "\n"
		}
		text = i18n.T(lang, i18n.KeyAckSuccess, map[string]string{
			"id":       strconv.FormatInt(ack.OSMNoteID, 10),
			"url":      ack.OSMURL,
			"location": location,
		})
	case AckQueued:
		text = i18n.T(lang, i18n.KeyAckQueued, map[string]string{"queue_id": ack.QueueID})
	case AckDuplicate:
		text = i18n.T(lang, i18n.KeyAckDuplicate, nil)
	}
	return n.SendCommandResponse(nodeID, text)
}

// SendReject delivers a rejection DM. Rejections use the same admission
// window as command responses.
func (n *Notifier) SendReject(nodeID, text string) bool {
	return n.SendCommandResponse(nodeID, text)
}

// ProcessSentNotifications delivers the one-shot success DM for notes that
// reached sent. Per node, overflow beyond the anti-spam window coalesces into
// one summary DM. Undeliverable items stay unnotified and retry next cycle.
func (n *Notifier) ProcessSentNotifications(ctx context.Context) {
	notes, err := n.store.SentNeedingNotification(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load sent notifications")
		return
	}
	if len(notes) == 0 {
		return
	}

	overflow := make(map[string][]store.Note)
	for _, note := range notes {
		if ctx.Err() != nil {
			return
		}
		if !n.admit(note.NodeID) {
			overflow[note.NodeID] = append(overflow[note.NodeID], note)
			continue
		}

		lang := n.lang(ctx, note.NodeID)
		var noteID int64
		var noteURL string
		if note.OSMNoteID != nil {
			noteID = *note.OSMNoteID
		}
		if note.OSMNoteURL != nil {
			noteURL = *note.OSMNoteURL
		}
		text := i18n.T(lang, i18n.KeySentNotification, map[string]string{
			"queue_id": note.QueueID,
			"note_id":  strconv.FormatInt(noteID, 10),
			"url":      noteURL,
		})
		if !n.tr.SendDM(note.NodeID, text) {
			continue
		}
		if err := n.store.MarkNotifiedSent(ctx, note.QueueID); err != nil {
			log.Error().Err(err).Str("queue_id", note.QueueID).Msg("failed to mark notified")
		}
	}

	for nodeID, batch := range overflow {
		lang := n.lang(ctx, nodeID)
		text := i18n.T(lang, i18n.KeySentSummary, map[string]string{
			"n": strconv.Itoa(len(batch)),
		})
		if !n.tr.SendDM(nodeID, text) {
			continue
		}
		n.record(nodeID)
		for _, note := range batch {
			if err := n.store.MarkNotifiedSent(ctx, note.QueueID); err != nil {
				log.Error().Err(err).Str("queue_id", note.QueueID).Msg("failed to mark notified")
			}
		}
	}
}

// ProcessFailedNotifications does the symmetric work for notes that exhausted
// their retries.
func (n *Notifier) ProcessFailedNotifications(ctx context.Context) {
	notes, err := n.store.FailedNeedingNotification(ctx, n.maxAttempts)
	if err != nil {
		log.Error().Err(err).Msg("failed to load failed notifications")
		return
	}
	if len(notes) == 0 {
		return
	}

	overflow := make(map[string][]store.Note)
	for _, note := range notes {
		if ctx.Err() != nil {
			return
		}
		if !n.admit(note.NodeID) {
			overflow[note.NodeID] = append(overflow[note.NodeID], note)
			continue
		}

		lang := n.lang(ctx, note.NodeID)
		text := i18n.T(lang, i18n.KeyFailedNotify, map[string]string{
			"queue_id": note.QueueID,
			"attempts": strconv.Itoa(note.Attempts),
		})
		if !n.tr.SendDM(note.NodeID, text) {
			continue
		}
		if err := n.store.MarkNotifiedFailed(ctx, note.QueueID); err != nil {
			log.Error().Err(err).Str("queue_id", note.QueueID).Msg("failed to mark failure notified")
		}
	}

	for nodeID, batch := range overflow {
		lang := n.lang(ctx, nodeID)
		text := i18n.T(lang, i18n.KeyFailedSummary, map[string]string{
			"n": strconv.Itoa(len(batch)),
		})
		if !n.tr.SendDM(nodeID, text) {
			continue
		}
		n.record(nodeID)
		for _, note := range batch {
			if err := n.store.MarkNotifiedFailed(ctx, note.QueueID); err != nil {
				log.Error().Err(err).Str("queue_id", note.QueueID).Msg("failed to mark failure notified")
			}
		}
	}
}

// SetNowFunc overrides the clock. Test hook.
func (n *Notifier) SetNowFunc(now func() time.Time) {
	n.now = now
}

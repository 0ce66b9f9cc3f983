package osm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lora-osmnotes/gateway/internal/i18n"
	"github.com/lora-osmnotes/gateway/internal/store"
)

// Retry policy per queue item. After MaxRetries failed attempts an item is
// parked until operator intervention; RetryDelay spaces attempts on the same
// item across drains.
const (
	MaxRetries = 3
	RetryDelay = 60 * time.Second
)

// Submitter moves notes from pending to sent. Per-item retry state lives in
// memory and is private to the worker; the durable queue is the store.
type Submitter struct {
	store       *store.Store
	client      *Client
	defaultLang string

	mu          sync.Mutex
	attempts    map[string]int
	lastAttempt map[string]time.Time

	now func() time.Time
}

// NewSubmitter wires a submitter over the store and API client.
func NewSubmitter(st *store.Store, client *Client, defaultLang string) *Submitter {
	return &Submitter{
		store:       st,
		client:      client,
		defaultLang: i18n.Normalize(defaultLang),
		attempts:    make(map[string]int),
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Attempts returns the in-memory attempt count for a queue item.
func (s *Submitter) Attempts(queueID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[queueID]
}

func (s *Submitter) noteLang(ctx context.Context, nodeID string) string {
	lang, err := s.store.UserLang(ctx, nodeID)
	if err != nil || lang == "" {
		return s.defaultLang
	}
	return i18n.Normalize(lang)
}

// submit posts one note, appending the localized attribution footer, and
// records the outcome in the store.
func (s *Submitter) submit(ctx context.Context, note store.Note) (*Result, error) {
	lang := s.noteLang(ctx, note.NodeID)
	text := note.TextNormalized + "\n\n" + i18n.T(lang, i18n.KeyAttribution, nil)

	result, err := s.client.SendNote(ctx, note.Lat, note.Lon, text)

	s.mu.Lock()
	s.lastAttempt[note.QueueID] = s.now()
	s.mu.Unlock()

	if err != nil {
		s.mu.Lock()
		s.attempts[note.QueueID]++
		k := s.attempts[note.QueueID]
		s.mu.Unlock()

		msg := fmt.Sprintf("%s (attempt %d/%d)", err.Error(), k, MaxRetries)
		if k >= MaxRetries {
			msg = fmt.Sprintf("failed after %d attempts", k)
		}
		if dbErr := s.store.RecordNoteError(ctx, note.QueueID, msg, k); dbErr != nil {
			log.Error().Err(dbErr).Str("queue_id", note.QueueID).Msg("failed to record note error")
		}
		log.Warn().Err(err).Str("queue_id", note.QueueID).Int("attempt", k).Msg("note submission failed")
		return nil, err
	}

	if err := s.store.MarkNoteSent(ctx, note.QueueID, result.ID, result.URL, s.now()); err != nil {
		// The POST succeeded but the local transition failed; surface it so
		// the worker logs it. The next drain will see the note still pending
		// and the dedup window on the remote side is the only guard.
		return nil, fmt.Errorf("mark sent %s: %w", note.QueueID, err)
	}
	return result, nil
}

// SubmitByQueueID attempts one immediate submission of a specific pending
// note, bypassing the worker. Returns (nil, nil) when the note is missing or
// no longer pending.
func (s *Submitter) SubmitByQueueID(ctx context.Context, queueID string) (*Result, error) {
	note, err := s.store.NoteByQueueID(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if note == nil || note.Status != store.StatusPending {
		return nil, nil
	}
	return s.submit(ctx, *note)
}

// ProcessPending drains up to limit pending notes in created_at order,
// honouring the per-item retry cap and cooldown. Returns the number of notes
// successfully sent.
func (s *Submitter) ProcessPending(ctx context.Context, limit int) int {
	pending, err := s.store.PendingNotes(ctx, limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to load pending notes")
		return 0
	}

	sent := 0
	for _, note := range pending {
		if ctx.Err() != nil {
			break
		}

		s.mu.Lock()
		k := s.attempts[note.QueueID]
		last, tried := s.lastAttempt[note.QueueID]
		s.mu.Unlock()

		if k >= MaxRetries {
			continue
		}
		if tried && s.now().Sub(last) < RetryDelay {
			continue
		}

		if _, err := s.submit(ctx, note); err != nil {
			continue
		}
		sent++
	}
	return sent
}

// SetNowFunc overrides the clock. Test hook.
func (s *Submitter) SetNowFunc(now func() time.Time) {
	s.now = now
}

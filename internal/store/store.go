// Package store owns all on-disk state of the gateway: the note queue,
// last-known positions, user language preferences and the singleton system
// state map. Everything lives in one SQLite database under DATA_DIR.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Note statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// Dedup parameters: coordinates quantized to ~1e-4 degrees, time grouped in
// 120 s buckets.
const (
	DedupCoordEpsilon = 0.0001
	DedupBucketSecs   = 120
)

// Reserved system_state keys.
const (
	stateLastBroadcastDate     = "last_broadcast_date"
	stateStartupTimestamp      = "startup_timestamp"
	stateTimeCorrectionApplied = "time_correction_applied"
)

var (
	// ErrDuplicate is returned by CreateNote when an equivalent note already
	// exists in the same dedup bucket.
	ErrDuplicate = errors.New("duplicate note")

	// ErrNotPending is returned when a status transition finds the note is
	// not pending anymore. A note moves pending to sent exactly once.
	ErrNotPending = errors.New("note is not pending")
)

// Note is one row of the submission queue. Notes are never deleted.
type Note struct {
	ID             int64   `db:"id"`
	QueueID        string  `db:"queue_id"`
	NodeID         string  `db:"node_id"`
	CreatedAt      int64   `db:"created_at"`
	Lat            float64 `db:"lat"`
	Lon            float64 `db:"lon"`
	TextOriginal   string  `db:"text_original"`
	TextNormalized string  `db:"text_normalized"`
	Status         string  `db:"status"`
	OSMNoteID      *int64  `db:"osm_note_id"`
	OSMNoteURL     *string `db:"osm_note_url"`
	SentAt         *int64  `db:"sent_at"`
	LastError      *string `db:"last_error"`
	Attempts       int     `db:"attempts"`
	NotifiedSent   bool    `db:"notified_sent"`
	NotifiedFailed bool    `db:"notified_failed"`
}

// CreatedTime returns the creation instant in UTC.
func (n Note) CreatedTime() time.Time {
	return time.Unix(n.CreatedAt, 0).UTC()
}

// NewNote is the input to CreateNote.
type NewNote struct {
	NodeID         string
	Lat            float64
	Lon            float64
	TextOriginal   string
	TextNormalized string
	CreatedAt      time.Time
	Bucket         int64
}

// Position is the last known fix for a node.
type Position struct {
	NodeID     string  `db:"node_id"`
	Lat        float64 `db:"lat"`
	Lon        float64 `db:"lon"`
	ReceivedAt int64   `db:"received_at"`
	SeenCount  int64   `db:"seen_count"`
}

// NodeStats summarizes a node's note activity.
type NodeStats struct {
	Total int64
	Today int64
	Queue int64
}

// Store is the transactional persistence layer. Safe for concurrent use; the
// underlying pool is capped at one connection so SQLite's single-writer rule
// never surfaces as SQLITE_BUSY to callers.
type Store struct {
	db  *sqlx.DB
	loc *time.Location
}

// Open opens (creating if needed) the gateway database at path, applies
// migrations, and configures the engine for durability across power loss:
// WAL journaling with full fsync on commit.
func Open(path string, loc *time.Location) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=10000&_foreign_keys=on"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	if loc == nil {
		loc = time.UTC
	}
	log.Info().Str("path", path).Msg("database opened")
	return &Store{db: db, loc: loc}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Bucket maps an instant to its 120 s dedup bucket.
func Bucket(t time.Time) int64 {
	return t.Unix() / DedupBucketSecs
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}

// CreateNote atomically checks the dedup window and inserts a new pending
// note. The queue id is derived from the autoincrement rowid (Q-NNNN,
// zero-padded); on a display-id collision against rows migrated from older
// deployments the numeric part is bumped by 100. Returns ErrDuplicate when
// the dedup check matches.
func (s *Store) CreateNote(ctx context.Context, n NewNote) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var count int
	err = tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM notes
		WHERE node_id = ?
		  AND text_normalized = ?
		  AND ABS(lat - ?) < ?
		  AND ABS(lon - ?) < ?
		  AND created_at / ? = ?
	`, n.NodeID, n.TextNormalized, n.Lat, DedupCoordEpsilon, n.Lon, DedupCoordEpsilon,
		DedupBucketSecs, n.Bucket)
	if err != nil {
		return "", fmt.Errorf("dedup check: %w", err)
	}
	if count > 0 {
		return "", ErrDuplicate
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO notes (node_id, created_at, lat, lon, text_original, text_normalized, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.NodeID, n.CreatedAt.UTC().Unix(), n.Lat, n.Lon, n.TextOriginal, n.TextNormalized, StatusPending)
	if err != nil {
		return "", fmt.Errorf("insert note: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return "", err
	}

	queueID := fmt.Sprintf("Q-%04d", rowID)
	_, err = tx.ExecContext(ctx, `UPDATE notes SET queue_id = ? WHERE id = ?`, queueID, rowID)
	if isUniqueViolation(err) {
		queueID = fmt.Sprintf("Q-%04d", rowID+100)
		log.Warn().Str("queue_id", queueID).Msg("queue id collision, bumped")
		_, err = tx.ExecContext(ctx, `UPDATE notes SET queue_id = ? WHERE id = ?`, queueID, rowID)
	}
	if err != nil {
		return "", fmt.Errorf("assign queue id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	log.Info().Str("queue_id", queueID).Str("node", n.NodeID).Msg("note created")
	return queueID, nil
}

// CheckDuplicate reports whether an equivalent note exists: same node, exact
// normalized text, coordinates within the quantization epsilon, and the same
// time bucket.
func (s *Store) CheckDuplicate(ctx context.Context, nodeID, textNormalized string, lat, lon float64, bucket int64) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM notes
		WHERE node_id = ?
		  AND text_normalized = ?
		  AND ABS(lat - ?) < ?
		  AND ABS(lon - ?) < ?
		  AND created_at / ? = ?
	`, nodeID, textNormalized, lat, DedupCoordEpsilon, lon, DedupCoordEpsilon,
		DedupBucketSecs, bucket)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// PendingNotes returns pending notes in creation order.
func (s *Store) PendingNotes(ctx context.Context, limit int) ([]Note, error) {
	var notes []Note
	err := s.db.SelectContext(ctx, &notes, `
		SELECT * FROM notes WHERE status = ? ORDER BY created_at ASC LIMIT ?
	`, StatusPending, limit)
	return notes, err
}

// NoteByQueueID fetches a note by its display queue id.
func (s *Store) NoteByQueueID(ctx context.Context, queueID string) (*Note, error) {
	var note Note
	err := s.db.GetContext(ctx, &note, `SELECT * FROM notes WHERE queue_id = ?`, queueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &note, nil
}

// MarkNoteSent transitions a note from pending to sent, recording the remote
// note id and URL. Returns ErrNotPending if the note already left pending.
func (s *Store) MarkNoteSent(ctx context.Context, queueID string, osmNoteID int64, osmNoteURL string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notes
		SET status = ?, osm_note_id = ?, osm_note_url = ?, sent_at = ?
		WHERE queue_id = ? AND status = ?
	`, StatusSent, osmNoteID, osmNoteURL, sentAt.UTC().Unix(), queueID, StatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPending
	}
	log.Info().Str("queue_id", queueID).Int64("osm_note_id", osmNoteID).Msg("note marked sent")
	return nil
}

// RecordNoteError stores the latest failure reason and attempt count.
func (s *Store) RecordNoteError(ctx context.Context, queueID, lastError string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notes SET last_error = ?, attempts = ? WHERE queue_id = ?
	`, lastError, attempts, queueID)
	return err
}

// MarkNotifiedSent records that the success DM was delivered. One-shot.
func (s *Store) MarkNotifiedSent(ctx context.Context, queueID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notes SET notified_sent = 1 WHERE queue_id = ? AND status = ?
	`, queueID, StatusSent)
	return err
}

// MarkNotifiedFailed records that the failure DM was delivered.
func (s *Store) MarkNotifiedFailed(ctx context.Context, queueID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notes SET notified_failed = 1 WHERE queue_id = ?
	`, queueID)
	return err
}

// SentNeedingNotification returns sent notes whose success DM has not been
// delivered yet, oldest first.
func (s *Store) SentNeedingNotification(ctx context.Context) ([]Note, error) {
	var notes []Note
	err := s.db.SelectContext(ctx, &notes, `
		SELECT * FROM notes
		WHERE status = ? AND notified_sent = 0
		ORDER BY sent_at ASC
	`, StatusSent)
	return notes, err
}

// FailedNeedingNotification returns notes that exhausted their retries and
// whose failure DM has not been delivered yet.
func (s *Store) FailedNeedingNotification(ctx context.Context, maxAttempts int) ([]Note, error) {
	var notes []Note
	err := s.db.SelectContext(ctx, &notes, `
		SELECT * FROM notes
		WHERE status = ? AND attempts >= ? AND notified_failed = 0
		ORDER BY created_at ASC
	`, StatusPending, maxAttempts)
	return notes, err
}

// NodeStats computes per-node totals. "Today" is evaluated in the operator's
// configured timezone; stored timestamps are UTC.
func (s *Store) NodeStats(ctx context.Context, nodeID string, now time.Time) (NodeStats, error) {
	var st NodeStats
	if err := s.db.GetContext(ctx, &st.Total,
		`SELECT COUNT(*) FROM notes WHERE node_id = ?`, nodeID); err != nil {
		return st, err
	}

	local := now.In(s.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	if err := s.db.GetContext(ctx, &st.Today, `
		SELECT COUNT(*) FROM notes
		WHERE node_id = ? AND created_at >= ? AND created_at < ?
	`, nodeID, dayStart.Unix(), dayEnd.Unix()); err != nil {
		return st, err
	}

	if err := s.db.GetContext(ctx, &st.Queue,
		`SELECT COUNT(*) FROM notes WHERE node_id = ? AND status = ?`,
		nodeID, StatusPending); err != nil {
		return st, err
	}
	return st, nil
}

// ListNodeNotes returns a node's most recent notes.
func (s *Store) ListNodeNotes(ctx context.Context, nodeID string, limit int, includePending bool) ([]Note, error) {
	var notes []Note
	var err error
	if includePending {
		err = s.db.SelectContext(ctx, &notes, `
			SELECT * FROM notes WHERE node_id = ? ORDER BY created_at DESC LIMIT ?
		`, nodeID, limit)
	} else {
		err = s.db.SelectContext(ctx, &notes, `
			SELECT * FROM notes WHERE node_id = ? AND status = ? ORDER BY created_at DESC LIMIT ?
		`, nodeID, StatusSent, limit)
	}
	return notes, err
}

// SentToday counts notes sent during the current operator-timezone day.
func (s *Store) SentToday(ctx context.Context, now time.Time) (int64, error) {
	local := now.In(s.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	var count int64
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM notes
		WHERE status = ? AND sent_at >= ? AND sent_at < ?
	`, StatusSent, dayStart.Unix(), dayEnd.Unix())
	return count, err
}

// TotalQueueSize returns the number of pending notes.
func (s *Store) TotalQueueSize(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notes WHERE status = ?`, StatusPending)
	return count, err
}

// AdjustPendingCreatedAtBy shifts created_at of all pending notes by offset.
// Offsets under one second are a no-op. Sent notes keep the timestamp the
// remote API observed. Returns the number of adjusted rows.
func (s *Store) AdjustPendingCreatedAtBy(ctx context.Context, offset time.Duration) (int64, error) {
	secs := int64(offset / time.Second)
	if secs > -1 && secs < 1 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE notes SET created_at = created_at + ? WHERE status = ?
	`, secs, StatusPending)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("rows", n).Dur("offset", offset).Msg("adjusted pending note timestamps")
	}
	return n, nil
}

// UpsertPosition stores the latest fix for a node, bumping its seen count.
func (s *Store) UpsertPosition(ctx context.Context, nodeID string, lat, lon float64, receivedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (node_id, lat, lon, received_at, seen_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(node_id) DO UPDATE SET
			lat = excluded.lat,
			lon = excluded.lon,
			received_at = excluded.received_at,
			seen_count = positions.seen_count + 1
	`, nodeID, lat, lon, receivedAt.UTC().Unix())
	return err
}

// GetPosition returns the stored fix for a node, or nil if absent.
func (s *Store) GetPosition(ctx context.Context, nodeID string) (*Position, error) {
	var p Position
	err := s.db.GetContext(ctx, &p, `SELECT * FROM positions WHERE node_id = ?`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListAllPositions returns every stored position. Used to rehydrate the
// in-memory cache at startup.
func (s *Store) ListAllPositions(ctx context.Context) ([]Position, error) {
	var ps []Position
	err := s.db.SelectContext(ctx, &ps, `SELECT * FROM positions`)
	return ps, err
}

// RecentPositions returns positions ordered by recency.
func (s *Store) RecentPositions(ctx context.Context, limit int) ([]Position, error) {
	var ps []Position
	err := s.db.SelectContext(ctx, &ps,
		`SELECT * FROM positions ORDER BY received_at DESC LIMIT ?`, limit)
	return ps, err
}

// PurgePositionsOlderThan deletes fixes received before cutoff.
func (s *Store) PurgePositionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM positions WHERE received_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UserLang returns the stored language for a node, or "" when unset.
func (s *Store) UserLang(ctx context.Context, nodeID string) (string, error) {
	var lang string
	err := s.db.GetContext(ctx, &lang,
		`SELECT language FROM user_prefs WHERE node_id = ?`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return lang, err
}

// SetUserLang persists a node's language preference.
func (s *Store) SetUserLang(ctx context.Context, nodeID, lang string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_prefs (node_id, language) VALUES (?, ?)
		ON CONFLICT(node_id) DO UPDATE SET language = excluded.language
	`, nodeID, lang)
	return err
}

func (s *Store) stateGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		`SELECT value FROM system_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) stateSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// LastBroadcastDate returns the YYYY-MM-DD of the last daily broadcast, or "".
func (s *Store) LastBroadcastDate(ctx context.Context) (string, error) {
	v, _, err := s.stateGet(ctx, stateLastBroadcastDate)
	return v, err
}

// SetLastBroadcastDate records the date of the daily broadcast.
func (s *Store) SetLastBroadcastDate(ctx context.Context, date string) error {
	return s.stateSet(ctx, stateLastBroadcastDate, date)
}

// StartupTimestamp returns the stored boot wall-clock instant, if any.
func (s *Store) StartupTimestamp(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := s.stateGet(ctx, stateStartupTimestamp)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt startup timestamp %q: %w", v, err)
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

// SetStartupTimestamp records the boot wall-clock instant.
func (s *Store) SetStartupTimestamp(ctx context.Context, t time.Time) error {
	return s.stateSet(ctx, stateStartupTimestamp, strconv.FormatInt(t.UTC().Unix(), 10))
}

// TimeCorrectionApplied reports whether the one-shot clock correction ran.
func (s *Store) TimeCorrectionApplied(ctx context.Context) (bool, error) {
	v, ok, err := s.stateGet(ctx, stateTimeCorrectionApplied)
	if err != nil || !ok {
		return false, err
	}
	return v == "1", nil
}

// SetTimeCorrectionApplied sets the one-shot clock correction flag.
func (s *Store) SetTimeCorrectionApplied(ctx context.Context, applied bool) error {
	v := "0"
	if applied {
		v = "1"
	}
	return s.stateSet(ctx, stateTimeCorrectionApplied, v)
}

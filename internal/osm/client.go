// Package osm talks to the remote Notes API and the Nominatim reverse
// geocoder, and drives the pending-queue submission loop.
package osm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Submission timing. The gate is enforced on the monotonic clock so NTP
// jumps cannot compress the spacing between POSTs.
const (
	RateLimitInterval = 3 * time.Second
	RequestTimeout    = 10 * time.Second
)

// NoteBaseURL is the canonical public URL prefix for created notes.
const NoteBaseURL = "https://www.openstreetmap.org/note/"

// Dry-run submissions report this fixed note id.
const DryRunNoteID = 999999

// ErrorKind classifies a failed submission.
type ErrorKind int

const (
	KindHTTP ErrorKind = iota
	KindTimeout
	KindConnection
)

// SubmitError is a classified submission failure.
type SubmitError struct {
	Kind       ErrorKind
	StatusCode int
	Reason     string
}

func (e *SubmitError) Error() string {
	return e.Reason
}

// Retryable reports whether the failure is worth another attempt. HTTP 400 is
// permanent but still counts against the retry cap like everything else.
func (e *SubmitError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection:
		return true
	default:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	}
}

func reasonForStatus(status int, body []byte) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusForbidden:
		return "denied (rate)"
	case http.StatusTooManyRequests:
		return "too many requests"
	case http.StatusInternalServerError:
		return "server error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("unexpected status %d", status)
}

// Result is a successful submission.
type Result struct {
	ID  int64
	URL string
}

// Client posts notes to the remote Notes endpoint with a global minimum
// spacing between sends. Safe for concurrent use: the send mutex is the
// serialization point that guarantees the spacing.
type Client struct {
	apiURL string
	http   *http.Client
	dryRun bool

	sendMu   sync.Mutex
	lastSend time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewClient creates a Notes API client. With dryRun the HTTP call is
// short-circuited and a deterministic mock result is returned.
func NewClient(apiURL string, dryRun bool) *Client {
	return &Client{
		apiURL: apiURL,
		http:   &http.Client{Timeout: RequestTimeout},
		dryRun: dryRun,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

type notePayload struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Text string  `json:"text"`
}

// SendNote posts one note. Blocks until the global rate gate admits the send.
func (c *Client) SendNote(ctx context.Context, lat, lon float64, text string) (*Result, error) {
	if c.dryRun {
		log.Info().Float64("lat", lat).Float64("lon", lon).Msg("dry run, skipping OSM submission")
		return &Result{ID: DryRunNoteID, URL: fmt.Sprintf("%s%d", NoteBaseURL, DryRunNoteID)}, nil
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.lastSend.IsZero() {
		if wait := RateLimitInterval - c.now().Sub(c.lastSend); wait > 0 {
			c.sleep(wait)
		}
	}

	correlationID := uuid.New().String()
	logger := log.With().Str("correlationId", correlationID).Logger()

	body, err := json.Marshal(notePayload{Lat: lat, Lon: lon, Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	logger.Info().Float64("lat", lat).Float64("lon", lon).Msg("posting note")
	resp, err := c.http.Do(req)
	c.lastSend = c.now()
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		serr := &SubmitError{
			Kind:       KindHTTP,
			StatusCode: resp.StatusCode,
			Reason:     reasonForStatus(resp.StatusCode, respBody),
		}
		logger.Error().Int("status", resp.StatusCode).Str("reason", serr.Reason).Msg("note submission failed")
		return nil, serr
	}

	var payload struct {
		Properties struct {
			ID *int64 `json:"id"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil || payload.Properties.ID == nil {
		return nil, &SubmitError{Kind: KindHTTP, StatusCode: resp.StatusCode, Reason: "malformed response"}
	}

	result := &Result{
		ID:  *payload.Properties.ID,
		URL: fmt.Sprintf("%s%d", NoteBaseURL, *payload.Properties.ID),
	}
	logger.Info().Int64("osm_note_id", result.ID).Msg("note created")
	return result, nil
}

func classifyTransportError(err error) *SubmitError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &SubmitError{Kind: KindTimeout, Reason: "timeout"}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &SubmitError{Kind: KindTimeout, Reason: "timeout"}
	}
	return &SubmitError{Kind: KindConnection, Reason: "connection error"}
}

// SetClocks overrides the clock and sleep functions. Test hook.
func (c *Client) SetClocks(now func() time.Time, sleep func(time.Duration)) {
	c.now = now
	c.sleep = sleep
}

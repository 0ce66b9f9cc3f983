// Package command classifies inbound radio text and runs the note ingress
// pipeline: rate limiting, GPS freshness validation, deduplication and
// persistence.
package command

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lora-osmnotes/gateway/internal/i18n"
	"github.com/lora-osmnotes/gateway/internal/poscache"
	"github.com/lora-osmnotes/gateway/internal/ratelimit"
	"github.com/lora-osmnotes/gateway/internal/store"
	"github.com/lora-osmnotes/gateway/internal/transport"
)

// MaxMessageLength caps the note body. The radio payload tops out near 237
// bytes; 200 leaves headroom for framing.
const MaxMessageLength = 200

// Device-uptime thresholds for the GPS warm-up hint: a device that booted
// less than uptimeRecent ago is told to wait out the remainder of
// gpsSettleWait before resending.
const (
	uptimeRecent  = 120 * time.Second
	gpsSettleWait = 60 * time.Second
)

// approxMarker prefixes the normalized text of notes whose fix aged past the
// fresh band. Literal by contract; it is part of the published note body.
const approxMarker = "[posición aproximada] "

const statusProbeURL = "https://www.google.com"

// Note command variants. The trailing word boundary keeps "#osmnotetest"
// from matching.
var noteVariants = []*regexp.Regexp{
	regexp.MustCompile(`(?i)#osmnotes?\b`),
	regexp.MustCompile(`(?i)#osm-notes?\b`),
	regexp.MustCompile(`(?i)#osm_notes?\b`),
}

// Kind classifies a processed message.
type Kind int

const (
	Ignore Kind = iota
	Help
	MoreHelp
	Status
	Count
	List
	Queue
	Nodes
	Lang
	NoteQueued
	NoteReject
	NoteDuplicate
	NoteError
)

// Result is the outcome of processing one inbound text.
type Result struct {
	Kind    Kind
	Reply   string // prepared response for everything except NoteQueued
	QueueID string // set for NoteQueued
	Reason  string // machine-readable rejection reason, set for NoteReject
}

// Options tunes the parser.
type Options struct {
	GPSBypass    bool
	FallbackLat  float64
	FallbackLon  float64
	DefaultLang  string
	Location     *time.Location
	ProbeTimeout time.Duration
}

// Parser processes inbound texts. One instance serves all nodes.
type Parser struct {
	store   *store.Store
	cache   *poscache.Cache
	limiter *ratelimit.Limiter
	opts    Options

	probe func(ctx context.Context) bool
	now   func() time.Time
}

// New creates a parser.
func New(st *store.Store, cache *poscache.Cache, limiter *ratelimit.Limiter, opts Options) *Parser {
	if opts.DefaultLang == "" {
		opts.DefaultLang = i18n.LocaleES
	}
	opts.DefaultLang = i18n.Normalize(opts.DefaultLang)
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	p := &Parser{
		store:   st,
		cache:   cache,
		limiter: limiter,
		opts:    opts,
		now:     time.Now,
	}
	p.probe = p.internetReachable
	return p
}

// Normalize trims and collapses whitespace. Idempotent.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// extractNote returns the note body when text carries a note command.
func extractNote(text string) (string, bool) {
	for _, re := range noteVariants {
		if re.MatchString(text) {
			return strings.TrimSpace(re.ReplaceAllString(text, "")), true
		}
	}
	return "", false
}

func (p *Parser) lang(ctx context.Context, nodeID string) string {
	lang, err := p.store.UserLang(ctx, nodeID)
	if err != nil || lang == "" {
		return p.opts.DefaultLang
	}
	return i18n.Normalize(lang)
}

// Process classifies one inbound text and runs its side effects. The
// position attached to the packet, if any, refreshes the cache first.
func (p *Parser) Process(ctx context.Context, pkt transport.TextPacket) Result {
	text := strings.TrimSpace(pkt.Text)
	if text == "" {
		return Result{Kind: Ignore}
	}

	if pkt.HasPosition {
		if err := p.cache.Update(ctx, pkt.NodeID, pkt.Lat, pkt.Lon); err != nil {
			log.Error().Err(err).Str("node", pkt.NodeID).Msg("position update failed")
		}
	}

	lang := p.lang(ctx, pkt.NodeID)
	lower := strings.ToLower(text)

	switch lower {
	case "#osmhelp":
		return Result{Kind: Help, Reply: i18n.T(lang, i18n.KeyHelp, nil)}
	case "#osmmorehelp":
		return Result{Kind: MoreHelp, Reply: i18n.T(lang, i18n.KeyMoreHelp, nil)}
	case "#osmstatus":
		return p.handleStatus(ctx, pkt.NodeID, lang)
	case "#osmqueue":
		return p.handleQueue(ctx, pkt.NodeID, lang)
	case "#osmnodes":
		return p.handleNodes(ctx, lang)
	}

	switch {
	case strings.HasPrefix(lower, "#osmcount"):
		return p.handleCount(ctx, pkt.NodeID, lang)
	case strings.HasPrefix(lower, "#osmlist"):
		return p.handleList(ctx, pkt.NodeID, text, lang)
	case strings.HasPrefix(lower, "#osmlang"):
		return p.handleLang(ctx, pkt.NodeID, text, lang)
	}

	if body, ok := extractNote(text); ok {
		return p.handleNote(ctx, pkt, body, lang)
	}

	return Result{Kind: Ignore}
}

func (p *Parser) internetReachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, statusProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func yesNo(ok bool) string {
	if ok {
		return "✅ OK"
	}
	return "❌ NO"
}

func (p *Parser) handleStatus(ctx context.Context, nodeID, lang string) Result {
	total, err := p.store.TotalQueueSize(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue size query failed")
	}
	stats, err := p.store.NodeStats(ctx, nodeID, p.now())
	if err != nil {
		log.Error().Err(err).Str("node", nodeID).Msg("node stats query failed")
	}
	return Result{Kind: Status, Reply: i18n.T(lang, i18n.KeyStatus, map[string]string{
		"internet":    yesNo(p.probe(ctx)),
		"total_queue": strconv.FormatInt(total, 10),
		"node_queue":  strconv.FormatInt(stats.Queue, 10),
	})}
}

func (p *Parser) handleQueue(ctx context.Context, nodeID, lang string) Result {
	total, err := p.store.TotalQueueSize(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue size query failed")
	}
	stats, err := p.store.NodeStats(ctx, nodeID, p.now())
	if err != nil {
		log.Error().Err(err).Str("node", nodeID).Msg("node stats query failed")
	}
	return Result{Kind: Queue, Reply: i18n.T(lang, i18n.KeyQueue, map[string]string{
		"total_queue": strconv.FormatInt(total, 10),
		"node_queue":  strconv.FormatInt(stats.Queue, 10),
	})}
}

func (p *Parser) handleCount(ctx context.Context, nodeID, lang string) Result {
	stats, err := p.store.NodeStats(ctx, nodeID, p.now())
	if err != nil {
		log.Error().Err(err).Str("node", nodeID).Msg("node stats query failed")
	}
	return Result{Kind: Count, Reply: i18n.T(lang, i18n.KeyCount, map[string]string{
		"today": strconv.FormatInt(stats.Today, 10),
		"total": strconv.FormatInt(stats.Total, 10),
	})}
}

func (p *Parser) handleList(ctx context.Context, nodeID, text, lang string) Result {
	limit := 5
	if parts := strings.Fields(text); len(parts) > 1 {
		if n, err := strconv.Atoi(parts[1]); err == nil {
			limit = min(max(n, 1), 20)
		}
	}

	notes, err := p.store.ListNodeNotes(ctx, nodeID, limit, true)
	if err != nil {
		log.Error().Err(err).Str("node", nodeID).Msg("note list query failed")
	}
	if len(notes) == 0 {
		return Result{Kind: List, Reply: i18n.T(lang, i18n.KeyListEmpty, nil)}
	}

	lines := []string{i18n.T(lang, i18n.KeyListHeader, map[string]string{
		"n": strconv.Itoa(len(notes)),
	})}
	for _, note := range notes {
		icon := "⏳"
		if note.Status == store.StatusSent {
			icon = "✅"
		}
		created := note.CreatedTime().In(p.opts.Location).Format("2006-01-02 15:04")
		preview := note.TextOriginal
		if len(preview) > 30 {
			preview = preview[:30] + "..."
		}
		if note.Status == store.StatusSent && note.OSMNoteURL != nil {
			lines = append(lines, fmt.Sprintf("%s %s: %s → %s", icon, created, preview, *note.OSMNoteURL))
		} else {
			lines = append(lines, fmt.Sprintf("%s %s: %s [%s]", icon, created, preview, note.QueueID))
		}
	}
	return Result{Kind: List, Reply: strings.Join(lines, "\n")}
}

func relAge(age time.Duration) string {
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(age.Hours()))
	}
}

func shortNodeID(id string) string {
	if len(id) > 4 {
		return id[len(id)-4:]
	}
	return id
}

func (p *Parser) handleNodes(ctx context.Context, lang string) Result {
	positions, err := p.store.RecentPositions(ctx, 20)
	if err != nil {
		log.Error().Err(err).Msg("positions query failed")
	}
	if len(positions) == 0 {
		return Result{Kind: Nodes, Reply: i18n.T(lang, i18n.KeyNodesEmpty, nil)}
	}

	now := p.now()
	lines := []string{i18n.T(lang, i18n.KeyNodesHeader, map[string]string{
		"n": strconv.Itoa(len(positions)),
	})}
	for _, pos := range positions {
		age := now.Sub(time.Unix(pos.ReceivedAt, 0))
		lines = append(lines, fmt.Sprintf("%s %.4f,%.4f %s x%d",
			shortNodeID(pos.NodeID), pos.Lat, pos.Lon, relAge(age), pos.SeenCount))
	}
	return Result{Kind: Nodes, Reply: strings.Join(lines, "\n")}
}

func (p *Parser) handleLang(ctx context.Context, nodeID, text, lang string) Result {
	parts := strings.Fields(strings.ToLower(text))
	if len(parts) < 2 || (parts[1] != i18n.LocaleES && parts[1] != i18n.LocaleEN) {
		return Result{Kind: Lang, Reply: i18n.T(lang, i18n.KeyLangUsage, nil)}
	}
	chosen := parts[1]
	if err := p.store.SetUserLang(ctx, nodeID, chosen); err != nil {
		log.Error().Err(err).Str("node", nodeID).Msg("language preference update failed")
		return Result{Kind: Lang, Reply: i18n.T(lang, i18n.KeyLangUsage, nil)}
	}
	// Respond in the language just selected.
	return Result{Kind: Lang, Reply: i18n.T(chosen, i18n.KeyLangSet, nil)}
}

// gpsWaitReply picks the device-uptime-aware rejection: a recently booted
// device gets a countdown, anything else the generic fallback key.
func (p *Parser) gpsWaitReply(pkt transport.TextPacket, lang, fallbackKey string) string {
	if pkt.HasUptime && pkt.DeviceUptime < uptimeRecent {
		wait := int((gpsSettleWait - pkt.DeviceUptime).Seconds())
		if wait > 0 {
			return i18n.T(lang, i18n.KeyRejectGPSWarming, map[string]string{
				"wait_time": strconv.Itoa(wait),
			})
		}
	}
	return i18n.T(lang, fallbackKey, nil)
}

func (p *Parser) handleNote(ctx context.Context, pkt transport.TextPacket, body, lang string) Result {
	if !p.limiter.Allow(pkt.NodeID) {
		log.Warn().Str("node", pkt.NodeID).Msg("note rejected by rate limit")
		return Result{Kind: NoteReject, Reason: "rate_limited", Reply: i18n.T(lang, i18n.KeyRejectRateLimit, nil)}
	}

	if len([]rune(body)) > MaxMessageLength {
		return Result{Kind: NoteReject, Reason: "too_long", Reply: i18n.T(lang, i18n.KeyRejectTooLong, map[string]string{
			"max_len": strconv.Itoa(MaxMessageLength),
		})}
	}

	textNorm := Normalize(body)
	if textNorm == "" {
		return Result{Kind: NoteReject, Reason: "empty", Reply: i18n.T(lang, i18n.KeyRejectEmpty, nil)}
	}

	var lat, lon float64
	fix, hasFix := p.cache.Get(pkt.NodeID)

	if p.opts.GPSBypass {
		// Even with validation off, a cached fix must carry real coordinates
		// before it beats the configured fallback point.
		if hasFix && poscache.ValidCoords(fix.Lat, fix.Lon) {
			lat, lon = fix.Lat, fix.Lon
		} else {
			lat, lon = p.opts.FallbackLat, p.opts.FallbackLon
			log.Warn().Str("node", pkt.NodeID).
				Float64("lat", lat).Float64("lon", lon).
				Msg("GPS validation disabled, using fallback position")
		}
	} else {
		if !hasFix {
			return Result{Kind: NoteReject, Reason: "no_gps", Reply: p.gpsWaitReply(pkt, lang, i18n.KeyRejectNoGPS)}
		}
		if !poscache.ValidCoords(fix.Lat, fix.Lon) {
			return Result{Kind: NoteReject, Reason: "invalid_coords", Reply: i18n.T(lang, i18n.KeyRejectBadCoords, nil)}
		}
		age, _ := p.cache.Age(pkt.NodeID)
		switch poscache.Grade(age) {
		case poscache.Stale:
			return Result{Kind: NoteReject, Reason: "stale_gps", Reply: p.gpsWaitReply(pkt, lang, i18n.KeyRejectStaleGPS)}
		case poscache.Approximate:
			textNorm = approxMarker + textNorm
		}
		lat, lon = fix.Lat, fix.Lon
	}

	recvTime := pkt.RxTime
	if recvTime.IsZero() {
		recvTime = p.now()
	}

	queueID, err := p.store.CreateNote(ctx, store.NewNote{
		NodeID:         pkt.NodeID,
		Lat:            lat,
		Lon:            lon,
		TextOriginal:   body,
		TextNormalized: textNorm,
		CreatedAt:      recvTime,
		Bucket:         store.Bucket(recvTime),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return Result{Kind: NoteDuplicate, Reason: "duplicate", Reply: i18n.T(lang, i18n.KeyAckDuplicate, nil)}
		}
		log.Error().Err(err).Str("node", pkt.NodeID).Msg("note creation failed")
		return Result{Kind: NoteError, Reason: "store_error", Reply: i18n.T(lang, i18n.KeyNoteError, nil)}
	}

	return Result{Kind: NoteQueued, QueueID: queueID}
}

// SetProbe overrides the Internet reachability probe. Test hook.
func (p *Parser) SetProbe(probe func(ctx context.Context) bool) {
	p.probe = probe
}

// SetNowFunc overrides the clock. Test hook.
func (p *Parser) SetNowFunc(now func() time.Time) {
	p.now = now
}

// Package gateway wires the transport, the ingress pipeline, the submission
// worker and the notifier into one run loop.
package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lora-osmnotes/gateway/internal/command"
	"github.com/lora-osmnotes/gateway/internal/config"
	"github.com/lora-osmnotes/gateway/internal/i18n"
	"github.com/lora-osmnotes/gateway/internal/metrics"
	"github.com/lora-osmnotes/gateway/internal/notify"
	"github.com/lora-osmnotes/gateway/internal/osm"
	"github.com/lora-osmnotes/gateway/internal/poscache"
	"github.com/lora-osmnotes/gateway/internal/ratelimit"
	"github.com/lora-osmnotes/gateway/internal/store"
	"github.com/lora-osmnotes/gateway/internal/transport"
)

// WorkerInterval is the background cycle period. The time-correction offset
// math depends on it, so it is a package constant rather than an option.
const WorkerInterval = 30 * time.Second

// Positions older than this are purged from the store and the cache.
const positionRetention = 24 * time.Hour

// How many pending notes one worker cycle may push to the remote API.
const drainBatchSize = 10

// How long Stop waits for the worker to finish its current cycle.
const workerJoinTimeout = 5 * time.Second

// Gateway owns the run loop. Construct with New, drive with Run.
type Gateway struct {
	cfg       config.Config
	store     *store.Store
	cache     *poscache.Cache
	limiter   *ratelimit.Limiter
	parser    *command.Parser
	submitter *osm.Submitter
	geocoder  *osm.Geocoder
	notifier  *notify.Notifier
	tr        transport.Adapter
	mx        *metrics.Metrics

	cycles    atomic.Int64
	ntpSynced func(ctx context.Context) bool
	now       func() time.Time
}

// Deps carries everything the gateway orchestrates.
type Deps struct {
	Config    config.Config
	Store     *store.Store
	Cache     *poscache.Cache
	Limiter   *ratelimit.Limiter
	Parser    *command.Parser
	Submitter *osm.Submitter
	Geocoder  *osm.Geocoder
	Notifier  *notify.Notifier
	Transport transport.Adapter
	Metrics   *metrics.Metrics
}

// New assembles a gateway from its dependencies.
func New(d Deps) *Gateway {
	return &Gateway{
		cfg:       d.Config,
		store:     d.Store,
		cache:     d.Cache,
		limiter:   d.Limiter,
		parser:    d.Parser,
		submitter: d.Submitter,
		geocoder:  d.Geocoder,
		notifier:  d.Notifier,
		tr:        d.Transport,
		mx:        d.Metrics,
		ntpSynced: systemClockSynced,
		now:       time.Now,
	}
}

// Run starts the transport and the worker and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.store.SetStartupTimestamp(ctx, g.now()); err != nil {
		return err
	}

	if err := g.cache.Rehydrate(ctx); err != nil {
		log.Warn().Err(err).Msg("position cache rehydration failed")
	}

	g.tr.Subscribe(g.onText, g.onPosition)
	if err := g.tr.Start(); err != nil {
		return err
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		g.worker(ctx)
	}()

	log.Info().
		Bool("dry_run", g.cfg.DryRun).
		Str("serial_port", g.cfg.SerialPort).
		Msg("gateway running")

	<-ctx.Done()

	g.tr.Stop()
	select {
	case <-workerDone:
	case <-time.After(workerJoinTimeout):
		log.Warn().Msg("worker did not finish in time, exiting anyway")
	}
	log.Info().Msg("gateway stopped")
	return nil
}

func (g *Gateway) worker(ctx context.Context) {
	ticker := time.NewTicker(WorkerInterval)
	defer ticker.Stop()

	g.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cycle(ctx)
		}
	}
}

// cycle runs one pass of the background work. Order matters: drain the queue
// first so freshly sent notes get their notification in the same pass.
func (g *Gateway) cycle(ctx context.Context) {
	if sent := g.submitter.ProcessPending(ctx, drainBatchSize); sent > 0 {
		g.mx.NotesSent.Add(float64(sent))
		log.Info().Int("count", sent).Msg("queued notes sent")
	}

	g.notifier.ProcessSentNotifications(ctx)
	g.notifier.ProcessFailedNotifications(ctx)

	g.maybeCorrectTime(ctx)

	cutoff := g.now().Add(-positionRetention)
	if purged, err := g.store.PurgePositionsOlderThan(ctx, cutoff); err != nil {
		log.Error().Err(err).Msg("position purge failed")
	} else if purged > 0 {
		g.cache.Evict(positionRetention)
		log.Debug().Int64("count", purged).Msg("stale positions purged")
	}
	g.limiter.Prune()

	if pending, err := g.store.TotalQueueSize(ctx); err == nil {
		g.mx.QueuePending.Set(float64(pending))
	}

	// Skip the broadcast on the very first cycle: right after boot the
	// system clock may still be wrong and the mesh not fully joined.
	if g.cfg.DailyBroadcastEnabled && g.cycles.Load() > 0 {
		g.maybeBroadcast(ctx)
	}

	g.cycles.Add(1)
}

func (g *Gateway) maybeBroadcast(ctx context.Context) {
	today := g.now().In(g.cfg.Location()).Format("2006-01-02")
	last, err := g.store.LastBroadcastDate(ctx)
	if err != nil {
		log.Error().Err(err).Msg("broadcast date query failed")
		return
	}
	if last == today {
		return
	}
	text := i18n.T(i18n.Normalize(g.cfg.DefaultLanguage), i18n.KeyDailyBroadcast, nil)
	if !g.tr.SendBroadcast(text) {
		return
	}
	if err := g.store.SetLastBroadcastDate(ctx, today); err != nil {
		log.Error().Err(err).Msg("failed to record broadcast date")
	}
	log.Info().Str("date", today).Msg("daily broadcast sent")
}

// callbackTimeout bounds the work done per inbound packet. Note submission
// alone may take up to the remote API timeout plus the send spacing.
const callbackTimeout = 20 * time.Second

func (g *Gateway) onPosition(pkt transport.PositionPacket) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if err := g.cache.Update(ctx, pkt.NodeID, pkt.Lat, pkt.Lon); err != nil {
		log.Error().Err(err).Str("node", pkt.NodeID).Msg("position update failed")
	}
}

func (g *Gateway) onText(pkt transport.TextPacket) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	res := g.parser.Process(ctx, pkt)
	switch res.Kind {
	case command.Ignore:
		return

	case command.NoteQueued:
		g.mx.NotesQueued.Inc()
		log.Info().Str("node", pkt.NodeID).Str("queue_id", res.QueueID).Msg("note queued")
		ack := g.trySendNow(ctx, res.QueueID)
		delivered := g.notifier.SendAck(ctx, pkt.NodeID, ack)
		g.countDM(delivered)
		// The delivered success ack doubles as the sent notification. An
		// undelivered one leaves the row for the worker drain to retry.
		if delivered && ack.Kind == notify.AckSuccess {
			if err := g.store.MarkNotifiedSent(ctx, res.QueueID); err != nil {
				log.Error().Err(err).Str("queue_id", res.QueueID).Msg("failed to mark notified")
			}
		}

	case command.NoteDuplicate:
		g.mx.NotesRejected.WithLabelValues(res.Reason).Inc()
		g.countDM(g.notifier.SendAck(ctx, pkt.NodeID, notify.Ack{Kind: notify.AckDuplicate}))

	case command.NoteReject, command.NoteError:
		g.mx.NotesRejected.WithLabelValues(res.Reason).Inc()
		log.Info().Str("node", pkt.NodeID).Str("reason", res.Reason).Msg("note rejected")
		g.countDM(g.notifier.SendReject(pkt.NodeID, res.Reply))

	default:
		g.countDM(g.notifier.SendCommandResponse(pkt.NodeID, res.Reply))
	}
}

// trySendNow attempts one immediate submission of a freshly queued note and
// returns the ack to deliver. A failure is not terminal: the worker retries.
func (g *Gateway) trySendNow(ctx context.Context, queueID string) notify.Ack {
	result, err := g.submitter.SubmitByQueueID(ctx, queueID)
	if err != nil || result == nil {
		return notify.Ack{Kind: notify.AckQueued, QueueID: queueID}
	}
	g.mx.NotesSent.Inc()

	ack := notify.Ack{
		Kind:      notify.AckSuccess,
		QueueID:   queueID,
		OSMNoteID: result.ID,
		OSMURL:    result.URL,
	}
	if note, err := g.store.NoteByQueueID(ctx, queueID); err == nil && note != nil {
		if place, err := g.geocoder.ReverseGeocode(ctx, note.Lat, note.Lon); err == nil {
			ack.Place = place
		}
	}
	return ack
}

func (g *Gateway) countDM(sent bool) {
	if sent {
		g.mx.DMsSent.Inc()
	}
}

// SetNowFunc overrides the clock. Test hook.
func (g *Gateway) SetNowFunc(now func() time.Time) {
	g.now = now
}

// SetNTPProbe overrides the clock-sync probe. Test hook.
func (g *Gateway) SetNTPProbe(probe func(ctx context.Context) bool) {
	g.ntpSynced = probe
}

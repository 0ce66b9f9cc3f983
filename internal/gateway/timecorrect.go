package gateway

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Offsets below this are noise (worker jitter, NTP slew) and are not applied.
const minCorrectionOffset = time.Minute

// maybeCorrectTime runs the one-shot clock correction. The host boots without
// an RTC, so notes queued before NTP sync carry a wrong created_at. Once the
// clock is synced, the true queue age is reconstructed from the worker cycle
// count and pending rows are shifted by the difference.
func (g *Gateway) maybeCorrectTime(ctx context.Context) {
	applied, err := g.store.TimeCorrectionApplied(ctx)
	if err != nil {
		log.Error().Err(err).Msg("time correction flag query failed")
		return
	}
	if applied {
		return
	}
	if !g.ntpSynced(ctx) {
		return
	}

	markApplied := func() {
		if err := g.store.SetTimeCorrectionApplied(ctx, true); err != nil {
			log.Error().Err(err).Msg("failed to persist time correction flag")
		}
	}

	startup, ok, err := g.store.StartupTimestamp(ctx)
	if err != nil {
		log.Error().Err(err).Msg("startup timestamp query failed")
		return
	}
	if !ok {
		markApplied()
		return
	}

	// Wall-clock distance from startup minus the time that genuinely passed
	// (cycles * interval) is the jump the NTP sync introduced.
	elapsed := time.Duration(g.cycles.Load()) * WorkerInterval
	offset := g.now().Sub(startup) - elapsed

	abs := offset
	if abs < 0 {
		abs = -abs
	}
	if abs < minCorrectionOffset {
		log.Info().Dur("offset", offset).Msg("clock synced, offset negligible")
		markApplied()
		return
	}

	adjusted, err := g.store.AdjustPendingCreatedAtBy(ctx, offset)
	if err != nil {
		log.Error().Err(err).Msg("pending timestamp adjustment failed")
		return
	}
	log.Info().
		Dur("offset", offset).
		Int64("notes_adjusted", adjusted).
		Msg("clock synced, pending timestamps corrected")
	markApplied()
}

// systemClockSynced asks systemd-timesyncd whether NTP sync has happened.
func systemClockSynced(ctx context.Context) bool {
	out, err := exec.CommandContext(ctx, "timedatectl", "status").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "System clock synchronized: yes")
}

package subscriber

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// pendingAcksSendDelay is the debounce window before a batch of acks or
// modify-acks is flushed, so that a handful of acks arriving within a
// few milliseconds of each other are coalesced into one request.
const pendingAcksSendDelay = 100 * time.Millisecond

// initialModAckExtensionSeconds is the extension written by the pump's
// first deadline-renewal tick (and the delay before any renewal alarm
// armed from idle). Later ticks use extensionSecondsLocked; the pump does
// not consult the latency distribution. It is not configurable: the
// reference client hard-codes this value and we preserve it.
const initialModAckExtensionSeconds = 2

// minExtensionSeconds and maxExtensionSeconds bound every extension
// computed by extensionSecondsLocked, matching the [10, 600] stream
// ack-deadline range. The one-off initialModAckExtensionSeconds value is
// below this range and is not clamped.
const (
	minExtensionSeconds = 10
	maxExtensionSeconds = 600
)

// maxPerRequestChanges is the most ack-id/extension entries a single
// flush to the Connection may contain; larger batches are split into
// successive calls to sendAckOperations.
const maxPerRequestChanges = 10000

// modifyAckDeadline pairs a target deadline extension with the ack-ids
// it applies to, mirroring the reference client's PendingModifyAckDeadline.
type modifyAckDeadline struct {
	AckIDs            []AckID
	DeadlineExtension time.Duration // 0 means nack
}

// flushTarget is how the pump hands a drained batch to its owning
// Connection. It is injected rather than modeled as a back-reference so
// the pump never needs to know about Connection's state machine.
type flushTarget func(acks []AckID, modAcks []modifyAckDeadline)

// ackPump is per-connection bookkeeping of in-flight messages, batched
// emission of ack/modify-ack operations, and the periodic
// deadline-extension alarm. It is grounded on the reference streaming
// client's messageIterator: the same three pending sets (acks, nacks,
// mod-acks), a keep-alive map of in-flight ack-ids (here keyed to their
// first-receive instant rather than an expiry), and the same
// two-alarm split between "flush soon" and "renew deadlines before they
// expire".
type ackPump struct {
	clock  quartz.Clock
	flush  flushTarget
	logger log.Logger

	mu sync.Mutex

	pendingAcks  map[AckID]struct{}
	pendingNacks map[AckID]struct{}
	// pendingExtensions maps ack-id to the extension last computed for it.
	pendingExtensions map[AckID]time.Duration
	// inFlight maps ack-id to its first-receive instant.
	inFlight map[AckID]time.Time

	streamAckDeadline time.Duration
	ackExpirationPad  time.Duration

	ackAlarm       *quartz.Timer
	extensionAlarm *quartz.Timer

	// seeded becomes true once the pump has emitted its first
	// deadline-renewal value. Until then, that value is the hardcoded
	// initialModAckExtensionSeconds rather than extensionSecondsLocked's
	// formula, per §9's "seeded at p99 floor of 2s from empty
	// distribution" — only the payload is special-cased; the alarm's own
	// rearm delay always follows the formula.
	seeded bool

	stopped bool
}

func newAckPump(clock quartz.Clock, streamAckDeadline, ackExpirationPad time.Duration, flush flushTarget, logger log.Logger) *ackPump {
	return &ackPump{
		clock:             clock,
		flush:             flush,
		logger:            logger,
		pendingAcks:       map[AckID]struct{}{},
		pendingNacks:      map[AckID]struct{}{},
		pendingExtensions: map[AckID]time.Duration{},
		inFlight:          map[AckID]time.Time{},
		streamAckDeadline: streamAckDeadline,
		ackExpirationPad:  ackExpirationPad,
	}
}

// onMessageReceived registers a newly delivered message and arms the
// extension alarm if this is the first in-flight message.
func (p *ackPump) onMessageReceived(ackID AckID, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.inFlight[ackID] = now
	if p.extensionAlarm == nil {
		p.armExtensionAlarmLocked(p.nextExtensionDelayLocked())
	}
}

func (p *ackPump) onAck(ackID AckID, received time.Time) {
	p.mu.Lock()
	delete(p.inFlight, ackID)
	delete(p.pendingExtensions, ackID)
	delete(p.pendingNacks, ackID)
	if !p.stopped {
		p.pendingAcks[ackID] = struct{}{}
		p.armAckAlarmLocked()
	}
	p.mu.Unlock()
}

func (p *ackPump) onNack(ackID AckID, received time.Time) {
	p.mu.Lock()
	delete(p.inFlight, ackID)
	delete(p.pendingExtensions, ackID)
	delete(p.pendingAcks, ackID)
	if !p.stopped {
		p.pendingNacks[ackID] = struct{}{}
		p.armAckAlarmLocked()
	}
	p.mu.Unlock()
}

func (p *ackPump) armAckAlarmLocked() {
	if p.ackAlarm != nil {
		return
	}
	p.ackAlarm = p.clock.AfterFunc(pendingAcksSendDelay, p.onAckAlarm)
}

func (p *ackPump) onAckAlarm() {
	p.mu.Lock()
	p.ackAlarm = nil
	acks, modAcks := p.drainLocked()
	p.mu.Unlock()
	p.flushBatches(acks, modAcks)
}

// extensionSecondsLocked derives the deadline renewal length from the current
// stream ack-deadline, per §4.3: streamAckDeadline - padding, clamped to
// [10, 600]. Called with the lock held.
func (p *ackPump) extensionSecondsLocked() time.Duration {
	ext := p.streamAckDeadline - p.ackExpirationPad
	if ext < minExtensionSeconds*time.Second {
		ext = minExtensionSeconds * time.Second
	}
	if ext > maxExtensionSeconds*time.Second {
		ext = maxExtensionSeconds * time.Second
	}
	return ext
}

// nextExtensionDelayLocked returns the delay used whenever
// onMessageReceived arms the renewal alarm from idle: the first arm, and
// any later arm after the alarm lapsed with nothing in flight. It only
// controls timing: the value written into pendingExtensions when the
// alarm fires is decided separately in onExtensionAlarm via the seeded
// flag.
func (p *ackPump) nextExtensionDelayLocked() time.Duration {
	return initialModAckExtensionSeconds * time.Second
}

func (p *ackPump) armExtensionAlarmLocked(delay time.Duration) {
	p.extensionAlarm = p.clock.AfterFunc(delay, p.onExtensionAlarm)
}

func (p *ackPump) onExtensionAlarm() {
	p.mu.Lock()
	p.extensionAlarm = nil
	if len(p.inFlight) == 0 || p.stopped {
		p.mu.Unlock()
		return
	}
	ext := p.extensionSecondsLocked()
	value := ext
	if !p.seeded {
		value = initialModAckExtensionSeconds * time.Second
		p.seeded = true
	}
	for ackID := range p.inFlight {
		if _, nacking := p.pendingNacks[ackID]; nacking {
			continue
		}
		p.pendingExtensions[ackID] = value
	}
	p.armExtensionAlarmLocked(ext)
	acks, modAcks := p.drainExtensionsLocked()
	p.mu.Unlock()
	p.flushBatches(acks, modAcks)
}

// drainExtensionsLocked pulls only the mod-ack-deadline entries out,
// leaving any pending acks/nacks queued for their own alarm. Called with
// the lock held; returns data to flush after unlocking.
func (p *ackPump) drainExtensionsLocked() ([]AckID, []modifyAckDeadline) {
	if len(p.pendingExtensions) == 0 {
		return nil, nil
	}
	byExt := map[time.Duration][]AckID{}
	for id, ext := range p.pendingExtensions {
		byExt[ext] = append(byExt[ext], id)
	}
	p.pendingExtensions = map[AckID]time.Duration{}
	modAcks := make([]modifyAckDeadline, 0, len(byExt))
	for ext, ids := range byExt {
		modAcks = append(modAcks, modifyAckDeadline{AckIDs: ids, DeadlineExtension: ext})
	}
	return nil, modAcks
}

// drainLocked empties the pending ack and nack sets built up by
// onAck/onNack, in preparation for a flush; pending extensions are
// drained separately by drainExtensionsLocked when the extension alarm
// fires. Ordering rule:
// modify-deadline entries are returned before acks so the caller can
// emit extensions before acks in the same request, per §4.3 — the ack
// wins when both would apply to the same ack-id, since onAck/onNack
// already delete any competing pendingExtensions entry above.
func (p *ackPump) drainLocked() ([]AckID, []modifyAckDeadline) {
	var modAcks []modifyAckDeadline
	if len(p.pendingNacks) > 0 {
		ids := make([]AckID, 0, len(p.pendingNacks))
		for id := range p.pendingNacks {
			ids = append(ids, id)
		}
		modAcks = append(modAcks, modifyAckDeadline{AckIDs: ids, DeadlineExtension: 0})
		p.pendingNacks = map[AckID]struct{}{}
	}
	var acks []AckID
	if len(p.pendingAcks) > 0 {
		acks = make([]AckID, 0, len(p.pendingAcks))
		for id := range p.pendingAcks {
			acks = append(acks, id)
		}
		p.pendingAcks = map[AckID]struct{}{}
	}
	return acks, modAcks
}

// flushBatches hands acks/modAcks to the Connection in chunks bounded by
// maxPerRequestChanges, modify-deadline entries first within each chunk.
func (p *ackPump) flushBatches(acks []AckID, modAcks []modifyAckDeadline) {
	if len(acks) == 0 && len(modAcks) == 0 {
		return
	}
	for {
		chunkModAcks, remModAcks, modBudget := takeModAcks(modAcks, maxPerRequestChanges)
		chunkAcks, remAcks := takeAcks(acks, modBudget)
		if len(chunkAcks) == 0 && len(chunkModAcks) == 0 {
			break
		}
		p.flush(chunkAcks, chunkModAcks)
		acks, modAcks = remAcks, remModAcks
		if len(acks) == 0 && len(modAcks) == 0 {
			break
		}
	}
}

func takeModAcks(modAcks []modifyAckDeadline, budget int) (chunk, rem []modifyAckDeadline, remBudget int) {
	for i, m := range modAcks {
		if len(m.AckIDs) <= budget {
			chunk = append(chunk, m)
			budget -= len(m.AckIDs)
			continue
		}
		if budget > 0 {
			chunk = append(chunk, modifyAckDeadline{AckIDs: m.AckIDs[:budget], DeadlineExtension: m.DeadlineExtension})
			rem = append(rem, modifyAckDeadline{AckIDs: m.AckIDs[budget:], DeadlineExtension: m.DeadlineExtension})
			budget = 0
		} else {
			rem = append(rem, m)
		}
		rem = append(rem, modAcks[i+1:]...)
		return chunk, rem, 0
	}
	return chunk, rem, budget
}

func takeAcks(acks []AckID, budget int) (chunk, rem []AckID) {
	if budget <= 0 || len(acks) == 0 {
		return nil, acks
	}
	if len(acks) <= budget {
		return acks, nil
	}
	return acks[:budget], acks[budget:]
}

// updateStreamAckDeadline reseeds the extension interval used by future
// renewal ticks; it does not retroactively change already-pending
// extensions.
func (p *ackPump) updateStreamAckDeadline(d time.Duration) {
	p.mu.Lock()
	p.streamAckDeadline = d
	p.mu.Unlock()
}

// stop disables further arming of alarms and cancels any pending ones,
// returning whatever acks/nacks were queued so the Connection can make
// a best-effort final flush.
func (p *ackPump) stop() ([]AckID, []modifyAckDeadline) {
	p.mu.Lock()
	p.stopped = true
	if p.ackAlarm != nil {
		p.ackAlarm.Stop()
		p.ackAlarm = nil
	}
	if p.extensionAlarm != nil {
		p.extensionAlarm.Stop()
		p.extensionAlarm = nil
	}
	acks, modAcks := p.drainLocked()
	p.mu.Unlock()
	return acks, modAcks
}

func (p *ackPump) logNack(ackID AckID, cause error) {
	level.Debug(p.logger).Log("msg", "handler resolved with error, nacking", "ack_id", string(ackID), "err", cause)
}

// Package signaling relays WebRTC call setup between two users and tracks
// each call through ringing, connected and ended.
//
// The Dispatcher holds no call state of its own. It works on the connection
// registry, the call store and the duplicate filter, all of which are safe for
// concurrent use, so Handle may be called from any number of goroutines.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/dedup"
	"github.com/mossy-p/call-signaling/internal/metrics"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

var (
	ErrUnknownSender  = errors.New("sender has no user id")
	ErrNotParticipant = errors.New("sender is not a participant of this call")
	ErrNotCallee      = errors.New("only the callee can answer a ringing call")
)

const recordTimeout = 2 * time.Second

// Sender identifies who an inbound event came from. Conn receives error
// replies; when nil (API-initiated actions) replies go to the sender's
// registered connection, if any.
type Sender struct {
	UserID string
	Conn   registry.Conn
}

// Connections resolves a user to its active connection.
type Connections interface {
	Lookup(userID string) (registry.Conn, bool)
}

// CallRecorder stores a summary of each ended call.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec models.CallRecord) error
}

type Config struct {
	CallTimeout time.Duration
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Recorder    CallRecorder
}

type Dispatcher struct {
	conns    Connections
	calls    *calls.Store
	dedup    *dedup.Filter
	timeouts *Supervisor
	metrics  *metrics.Metrics
	recorder CallRecorder
	records  conc.WaitGroup
}

func NewDispatcher(conns Connections, store *calls.Store, filter *dedup.Filter, cfg Config) *Dispatcher {
	d := &Dispatcher{
		conns:    conns,
		calls:    store,
		dedup:    filter,
		metrics:  cfg.Metrics,
		recorder: cfg.Recorder,
	}
	d.timeouts = NewSupervisor(cfg.Clock, cfg.CallTimeout, d.expire)
	return d
}

// Close cancels all pending ringing deadlines and waits for in-flight history
// writes.
func (d *Dispatcher) Close() {
	d.timeouts.Stop()
	if r := d.records.WaitAndRecover(); r != nil {
		log.Error().Str("module", "signaling").Interface("panic", r.Value).Bytes("stack", r.Stack).Msg("call recorder panic")
	}
}

// Handle processes one inbound event. A panic while handling it is contained
// here and reported to the sender; it never reaches the transport or other
// calls.
func (d *Dispatcher) Handle(from Sender, env models.Envelope) {
	d.metrics.Received(string(env.Event))

	var pc panics.Catcher
	pc.Try(func() { d.route(from, env) })
	if r := pc.Recovered(); r != nil {
		d.metrics.PanicRecovered()
		log.Error().
			Str("module", "signaling").
			Str("user", from.UserID).
			Str("event", string(env.Event)).
			Interface("panic", r.Value).
			Bytes("stack", r.Stack).
			Msg("handler panic")
		d.replyError(from, callIDOf(env.Data), failureCode(env.Event), "internal error")
	}
}

func (d *Dispatcher) route(from Sender, env models.Envelope) {
	switch env.Event {
	case models.EventCallStart:
		d.handleCallStart(from, env.Data)
	case models.EventOffer:
		d.handleOffer(from, env.Data)
	case models.EventAnswer:
		d.handleAnswer(from, env.Data)
	case models.EventICECandidate:
		d.handleICECandidate(from, env.Data)
	case models.EventCallEnd:
		d.handleCallEnd(from, env.Data)
	case models.EventCallStatus:
		d.handleCallStatus(from, env.Data)
	default:
		log.Warn().Str("module", "signaling").Str("user", from.UserID).Str("event", string(env.Event)).Msg("unknown event")
		d.replyError(from, "", models.ErrorSignalingError, "unknown event "+string(env.Event))
	}
}

func (d *Dispatcher) handleCallStart(from Sender, data json.RawMessage) {
	var p models.CallStartPayload
	if err := json.Unmarshal(data, &p); err != nil {
		d.replyError(from, "", models.ErrorSignalingError, "malformed call-start")
		return
	}
	if _, _, err := d.StartCall(from, p); err != nil {
		d.replyError(from, p.CallID, models.ErrorSignalingError, err.Error())
	}
}

// StartCall creates a ringing call from the sender to p.TargetUserID and arms
// its deadline. delivered reports whether incoming-call reached the callee;
// when it did not, the caller also gets TARGET_OFFLINE and the call keeps
// ringing until it times out or is ended.
func (d *Dispatcher) StartCall(from Sender, p models.CallStartPayload) (sess models.CallSession, delivered bool, err error) {
	if from.UserID == "" {
		return models.CallSession{}, false, ErrUnknownSender
	}
	sess, err = d.calls.Create(p.CallID, from.UserID, p.TargetUserID, p.Type)
	if err != nil {
		return models.CallSession{}, false, err
	}
	d.metrics.CallStarted()
	d.metrics.SetActiveCalls(d.calls.Len())
	d.timeouts.Arm(sess.ID, sess.Seq)

	delivered = d.relay(sess.CalleeID, models.OutboundEvent{
		Event: models.EventIncomingCall,
		Data: models.IncomingCallEvent{
			CallID:     sess.ID,
			FromUserID: sess.CallerID,
			Type:       sess.Kind,
			Caller:     models.CallerInfo{ID: sess.CallerID},
		},
	})
	if !delivered {
		d.replyError(from, sess.ID, models.ErrorTargetOffline, "user is offline")
	}
	return sess, delivered, nil
}

func (d *Dispatcher) handleOffer(from Sender, data json.RawMessage) {
	var p models.OfferPayload
	sdp, err := decodeDescription(data, &p, func() json.RawMessage { return p.Offer })
	if err != nil {
		d.replyError(from, p.CallID, models.ErrorOfferFailed, "malformed offer")
		return
	}
	sess, peer, err := d.participantSession(from, p.CallID)
	if err != nil {
		d.replyError(from, p.CallID, models.ErrorSignalingError, err.Error())
		return
	}
	if !d.dedup.ObserveOffer(sess.ID, sdp) {
		d.metrics.Duplicate("offer")
		log.Debug().Str("module", "signaling").Str("call", sess.ID).Str("user", from.UserID).Msg("duplicate offer dropped")
		return
	}

	kind := p.Type
	if kind == "" {
		kind = sess.Kind
	}
	ok := d.relay(peer, models.OutboundEvent{
		Event: models.EventOffer,
		Data: models.OfferEvent{
			CallID:     sess.ID,
			FromUserID: from.UserID,
			Offer:      p.Offer,
			Type:       kind,
		},
	})
	if !ok {
		d.dedup.ForgetOffer(sess.ID, sdp)
		d.replyError(from, sess.ID, models.ErrorTargetOffline, "user is offline")
	}
	d.sweepIfEnded(sess.ID)
}

func (d *Dispatcher) handleAnswer(from Sender, data json.RawMessage) {
	var p models.AnswerPayload
	sdp, err := decodeDescription(data, &p, func() json.RawMessage { return p.Answer })
	if err != nil {
		d.replyError(from, p.CallID, models.ErrorAnswerFailed, "malformed answer")
		return
	}
	sess, peer, err := d.participantSession(from, p.CallID)
	if err != nil {
		d.replyError(from, p.CallID, models.ErrorSignalingError, err.Error())
		return
	}
	// Only the callee can accept a ringing call; renegotiation after connect may come from either side.
	if sess.Status == models.CallStatusRinging && from.UserID != sess.CalleeID {
		d.replyError(from, sess.ID, models.ErrorSignalingError, ErrNotCallee.Error())
		return
	}
	if !d.dedup.ObserveAnswer(sess.ID, sdp) {
		d.metrics.Duplicate("answer")
		log.Debug().Str("module", "signaling").Str("call", sess.ID).Str("user", from.UserID).Msg("duplicate answer dropped")
		return
	}

	ok := d.relay(peer, models.OutboundEvent{
		Event: models.EventAnswer,
		Data: models.AnswerEvent{
			CallID:     sess.ID,
			FromUserID: from.UserID,
			Answer:     p.Answer,
		},
	})
	if !ok {
		d.dedup.ForgetAnswer(sess.ID, sdp)
		d.replyError(from, sess.ID, models.ErrorTargetOffline, "user is offline")
		d.sweepIfEnded(sess.ID)
		return
	}

	connected, changed, err := d.calls.TransitionToConnected(sess.ID)
	switch {
	case err != nil:
		// Ended between relay and transition; the terminating path owns cleanup.
		log.Debug().Err(err).Str("module", "signaling").Str("call", sess.ID).Msg("answer relayed to ending call")
		d.sweepIfEnded(sess.ID)
	case changed:
		d.timeouts.Disarm(connected.ID, connected.Seq)
	}
}

func (d *Dispatcher) handleICECandidate(from Sender, data json.RawMessage) {
	var p models.ICECandidatePayload
	if err := json.Unmarshal(data, &p); err != nil || !models.HasCandidate(p.Candidate) {
		log.Debug().Str("module", "signaling").Str("user", from.UserID).Msg("malformed ice-candidate dropped")
		return
	}
	// Candidates may overtake call-start; a missing call only suppresses the relay.
	sess, err := d.calls.Get(p.CallID)
	if err != nil {
		log.Debug().Str("module", "signaling").Str("call", p.CallID).Msg("ice-candidate for unknown call dropped")
		return
	}
	peer, ok := sess.Peer(from.UserID)
	if !ok {
		log.Debug().Str("module", "signaling").Str("call", p.CallID).Str("user", from.UserID).Msg("ice-candidate from non-participant dropped")
		return
	}
	if cand, err := models.ParseCandidate(p.Candidate); err == nil && cand.SDPMid != nil {
		log.Debug().Str("module", "signaling").Str("call", sess.ID).Str("mid", *cand.SDPMid).Msg("relaying ice-candidate")
	}
	d.relay(peer, models.OutboundEvent{
		Event: models.EventICECandidate,
		Data: models.ICECandidateEvent{
			CallID:     sess.ID,
			FromUserID: from.UserID,
			Candidate:  p.Candidate,
		},
	})
}

func (d *Dispatcher) handleCallEnd(from Sender, data json.RawMessage) {
	var p models.CallEndPayload
	if err := json.Unmarshal(data, &p); err != nil {
		d.replyError(from, "", models.ErrorSignalingError, "malformed call-end")
		return
	}
	err := d.EndCall(from, p.CallID, p.Reason)
	switch {
	case err == nil, errors.Is(err, calls.ErrNotFound):
		// Losing a termination race is not an error.
	default:
		d.replyError(from, p.CallID, models.ErrorSignalingError, err.Error())
	}
}

// EndCall ends a call on behalf of one of its participants and notifies both.
// It returns calls.ErrNotFound if the call is already gone.
func (d *Dispatcher) EndCall(from Sender, callID, reason string) error {
	sess, err := d.calls.Get(callID)
	if err != nil {
		return err
	}
	if _, ok := sess.Peer(from.UserID); !ok {
		return ErrNotParticipant
	}
	ended, err := d.calls.RemoveIf(sess.ID, sess.Seq, "")
	if err != nil {
		return err
	}
	if reason == "" {
		reason = models.EndReasonHangup
	}
	d.finish(ended, reason, from.UserID, ended.CallerID, ended.CalleeID)
	return nil
}

func (d *Dispatcher) handleCallStatus(from Sender, data json.RawMessage) {
	var p models.CallStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		d.replyError(from, "", models.ErrorSignalingError, "malformed call-status")
		return
	}
	sess, peer, err := d.participantSession(from, p.CallID)
	switch {
	case errors.Is(err, calls.ErrNotFound):
		return
	case err != nil:
		d.replyError(from, p.CallID, models.ErrorSignalingError, err.Error())
		return
	}
	d.relay(peer, models.OutboundEvent{
		Event: models.EventCallStatus,
		Data: models.CallStatusEvent{
			CallID:     sess.ID,
			FromUserID: from.UserID,
			Status:     p.Status,
			Data:       p.Data,
		},
	})
}

// Disconnect ends every call userID takes part in and tells the other
// participant of each.
func (d *Dispatcher) Disconnect(userID string) {
	for _, sess := range d.calls.FindByParticipant(userID) {
		ended, err := d.calls.RemoveIf(sess.ID, sess.Seq, "")
		if err != nil {
			continue
		}
		peer, _ := ended.Peer(userID)
		d.finish(ended, models.EndReasonDisconnect, userID, peer)
	}
}

// expire runs when a ringing deadline elapses. The existence and status check
// is a single store operation, so a call that connected or ended in the
// meantime is left alone.
func (d *Dispatcher) expire(callID string, seq uint64) {
	ended, err := d.calls.RemoveIf(callID, seq, models.CallStatusRinging)
	if err != nil {
		log.Debug().Err(err).Str("module", "signaling").Str("call", callID).Msg("timeout ignored")
		return
	}
	d.finish(ended, models.EndReasonTimeout, "", ended.CallerID, ended.CalleeID)
}

// finish runs once per call, by whichever path removed it from the store.
func (d *Dispatcher) finish(ended models.CallSession, reason, endBy string, notify ...string) {
	d.timeouts.Disarm(ended.ID, ended.Seq)
	d.dedup.Forget(ended.ID)

	rec := models.NewCallRecord(ended, reason, endBy)
	evt := models.OutboundEvent{
		Event: models.EventCallEnded,
		Data: models.CallEndedEvent{
			CallID:   ended.ID,
			Reason:   reason,
			EndBy:    endBy,
			Duration: rec.Duration,
		},
	}
	for _, userID := range notify {
		d.relay(userID, evt)
	}

	d.metrics.CallEnded(reason)
	d.metrics.SetActiveCalls(d.calls.Len())
	log.Info().
		Str("module", "signaling").
		Str("call", ended.ID).
		Str("reason", reason).
		Str("end_by", endBy).
		Int64("duration", rec.Duration).
		Msg("call ended")

	if d.recorder == nil {
		return
	}
	// History writes run off the caller's goroutine so a slow store never
	// delays the reader loop or the rest of a Disconnect sweep.
	d.records.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := d.recorder.RecordCall(ctx, rec); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("call", rec.CallID).Msg("failed to record call")
		}
	})
}

func (d *Dispatcher) participantSession(from Sender, callID string) (models.CallSession, string, error) {
	sess, err := d.calls.Get(callID)
	if err != nil {
		return models.CallSession{}, "", err
	}
	peer, ok := sess.Peer(from.UserID)
	if !ok {
		return models.CallSession{}, "", ErrNotParticipant
	}
	return sess, peer, nil
}

// sweepIfEnded drops fingerprints recorded for a call that ended while the
// event was in flight.
func (d *Dispatcher) sweepIfEnded(callID string) {
	if _, err := d.calls.Get(callID); errors.Is(err, calls.ErrNotFound) {
		d.dedup.Forget(callID)
	}
}

// relay writes evt to userID's connection. It reports false if the user has
// no connection or the write could not be queued. No store lock is held here.
func (d *Dispatcher) relay(userID string, evt models.OutboundEvent) bool {
	conn, ok := d.conns.Lookup(userID)
	if !ok {
		return false
	}
	if err := conn.Send(evt); err != nil {
		log.Warn().Err(err).Str("module", "signaling").Str("user", userID).Str("event", string(evt.Event)).Msg("relay failed")
		return false
	}
	d.metrics.Relayed(string(evt.Event))
	return true
}

func (d *Dispatcher) replyError(from Sender, callID string, code models.ErrorCode, msg string) {
	d.metrics.Error(string(code))
	evt := models.OutboundEvent{
		Event: models.EventError,
		Data: models.ErrorEvent{
			CallID:  callID,
			Error:   code,
			Message: msg,
		},
	}
	conn := from.Conn
	if conn == nil {
		c, ok := d.conns.Lookup(from.UserID)
		if !ok {
			return
		}
		conn = c
	}
	if err := conn.Send(evt); err != nil {
		log.Warn().Err(err).Str("module", "signaling").Str("user", from.UserID).Str("code", string(code)).Msg("error reply failed")
	}
}

// decodeDescription decodes an offer or answer payload into p and returns the
// SDP of the description selected by desc.
func decodeDescription(data json.RawMessage, p any, desc func() json.RawMessage) (string, error) {
	if err := json.Unmarshal(data, p); err != nil {
		return "", err
	}
	raw := desc()
	if len(raw) == 0 {
		return "", errors.New("missing session description")
	}
	var sd models.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return "", err
	}
	return sd.SDP, nil
}

func callIDOf(data json.RawMessage) string {
	var p struct {
		CallID string `json:"callId"`
	}
	_ = json.Unmarshal(data, &p)
	return p.CallID
}

func failureCode(event models.EventName) models.ErrorCode {
	switch event {
	case models.EventOffer:
		return models.ErrorOfferFailed
	case models.EventAnswer:
		return models.ErrorAnswerFailed
	default:
		return models.ErrorSignalingError
	}
}

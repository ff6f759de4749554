package voicerouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alicia-project/alicia-core/internal/envelope"
	"github.com/alicia-project/alicia-core/internal/wrapper"
)

// errResolveFailed wraps a Resolver error so runPipeline can classify
// it as service_unavailable rather than a step-specific timeout.
type errResolveFailed struct{ err error }

func (e errResolveFailed) Error() string { return e.err.Error() }
func (e errResolveFailed) Unwrap() error { return e.err }

type sttRequestPayload struct {
	AudioBytes string `json:"audio_bytes"`
	Locale     string `json:"locale"`
}

type sttResponsePayload struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type aiRequestPayload struct {
	Transcript     string `json:"transcript"`
	SessionContext string `json:"session_context,omitempty"`
}

type aiResponsePayload struct {
	ReplyText string `json:"reply_text"`
}

type ttsRequestPayload struct {
	ReplyText string `json:"reply_text"`
	Voice     string `json:"voice,omitempty"`
}

type ttsResponsePayload struct {
	AudioBytes string `json:"audio_bytes"`
}

type errorPayload struct {
	Reason      string `json:"reason"`
	UserMessage string `json:"user_message"`
}

// runPipeline drives one session through STT -> AI -> TTS, publishing
// a transition event on every state change (§4.4 observability) and
// the terminal result or failure on TopicResult. It runs synchronously
// in the handler's own goroutine (the wrapper already dispatches each
// inbound message on its own goroutine), which is what gives the
// "at most one state-advancing event processed at a time" ordering
// guarantee for free: nothing else advances this session concurrently.
func (r *Router) runPipeline(ctx context.Context, st *sessionState, req envelope.Message, route routeRequest) {
	defer close(st.done)
	defer st.cancel()

	st.setState(StateSTTPending)
	r.emitTransition(st.session.SessionID, StateSTTPending)

	remaining := time.Until(st.session.Deadline)
	sttBudget := fraction(remaining, r.cfg.STTBudgetFraction)

	sttPayload, _ := json.Marshal(sttRequestPayload{AudioBytes: route.AudioBytes, Locale: route.Locale})
	resp, elapsed, err := r.requestStep(ctx, CapabilitySTT, sttPayload, sttBudget)
	if retry, ok := r.shouldRetry(resp, err, sttBudget, elapsed); ok && retry {
		resp, _, err = r.requestStep(ctx, CapabilitySTT, sttPayload, sttBudget-elapsed)
	}
	if r.abortedByCancel(st) {
		return
	}
	if err != nil {
		r.failTransport(ctx, st, req, envelope.ReasonTimeoutSTT, err)
		return
	}
	if reason, msg, isErr := asErrorResponse(resp); isErr {
		r.fail(ctx, st, req, reason, msg)
		return
	}
	var stt sttResponsePayload
	if err := json.Unmarshal(resp.Payload, &stt); err != nil {
		r.fail(ctx, st, req, envelope.ReasonUpstreamError, "malformed stt response")
		return
	}
	if stt.Confidence < r.cfg.ConfidenceThreshold {
		r.failWithReason(ctx, st, req, "low_confidence", fmt.Sprintf("confidence %.2f below threshold", stt.Confidence))
		return
	}
	st.mu.Lock()
	st.session.Transcript = stt.Transcript
	st.mu.Unlock()

	st.setState(StateAIPending)
	r.emitTransition(st.session.SessionID, StateAIPending)

	remaining = time.Until(st.session.Deadline)
	aiBudget := fraction(remaining, r.cfg.AIBudgetFraction)

	aiPayload, _ := json.Marshal(aiRequestPayload{Transcript: stt.Transcript})
	resp, _, err = r.requestStep(ctx, CapabilityDialog, aiPayload, aiBudget)
	if r.abortedByCancel(st) {
		return
	}
	if err != nil {
		r.failTransport(ctx, st, req, envelope.ReasonTimeoutAI, err)
		return
	}
	if reason, msg, isErr := asErrorResponse(resp); isErr {
		r.fail(ctx, st, req, reason, msg)
		return
	}
	var ai aiResponsePayload
	if err := json.Unmarshal(resp.Payload, &ai); err != nil {
		r.fail(ctx, st, req, envelope.ReasonUpstreamError, "malformed dialog response")
		return
	}
	st.mu.Lock()
	st.session.ReplyText = ai.ReplyText
	st.mu.Unlock()

	st.setState(StateTTSPending)
	r.emitTransition(st.session.SessionID, StateTTSPending)

	remaining = time.Until(st.session.Deadline)
	ttsBudget := remaining - r.cfg.TTSSafetyMargin
	if ttsBudget < 0 {
		ttsBudget = 0
	}

	ttsPayload, _ := json.Marshal(ttsRequestPayload{ReplyText: ai.ReplyText})
	resp, elapsed, err = r.requestStep(ctx, CapabilityTTS, ttsPayload, ttsBudget)
	if retry, ok := r.shouldRetry(resp, err, ttsBudget, elapsed); ok && retry {
		resp, _, err = r.requestStep(ctx, CapabilityTTS, ttsPayload, ttsBudget-elapsed)
	}
	if r.abortedByCancel(st) {
		return
	}
	if err != nil {
		r.failTransport(ctx, st, req, envelope.ReasonTimeoutTTS, err)
		return
	}
	if reason, msg, isErr := asErrorResponse(resp); isErr {
		r.fail(ctx, st, req, reason, msg)
		return
	}
	var tts ttsResponsePayload
	if err := json.Unmarshal(resp.Payload, &tts); err != nil {
		r.fail(ctx, st, req, envelope.ReasonUpstreamError, "malformed tts response")
		return
	}
	st.mu.Lock()
	st.session.AudioOut = tts.AudioBytes
	st.mu.Unlock()

	st.setState(StateDone)
	r.emitTransition(st.session.SessionID, StateDone)

	result := envelope.Message{
		MessageType:   envelope.TypeResponse,
		CorrelationID: req.MessageID,
		Destination:   req.Source,
		ContentType:   "application/json",
	}
	payload, _ := json.Marshal(map[string]string{
		"session_id":  st.session.SessionID,
		"status":      "ok",
		"reply_text":  ai.ReplyText,
		"audio_bytes": tts.AudioBytes,
	})
	result.Payload = payload
	_ = r.pub.Publish(context.Background(), TopicResult, result)
}

// requestStep resolves capability and issues a bounded Request,
// returning the elapsed wall time so retry logic can judge remaining
// sub-budget.
func (r *Router) requestStep(ctx context.Context, capability string, payload []byte, budget time.Duration) (*envelope.Message, time.Duration, error) {
	if budget <= 0 {
		return nil, 0, wrapper.ErrRequestTimeout
	}
	ep, err := r.resolver.Resolve(ctx, capability)
	if err != nil {
		return nil, 0, errResolveFailed{err: fmt.Errorf("resolve %s: %w", capability, err)}
	}
	start := time.Now()
	resp, err := r.pub.Request(ctx, ep.Topic, payload, budget)
	return resp, time.Since(start), err
}

// shouldRetry implements §4.4's retry rule: idempotent steps (STT, TTS)
// retry once on a transient service_unavailable response if at least
// 25% of their original sub-budget remains. A transport-level err
// (timeout, disconnect) is not retried here — only an application
// error response carrying reason=service_unavailable is.
func (r *Router) shouldRetry(resp *envelope.Message, err error, subBudget, elapsed time.Duration) (retry, applicable bool) {
	if err != nil {
		return false, false
	}
	reason, _, isErr := asErrorResponse(resp)
	if !isErr || reason != envelope.ReasonServiceUnavailable {
		return false, false
	}
	remaining := subBudget - elapsed
	minRemaining := time.Duration(float64(subBudget) * r.cfg.RetryMinRemainingFraction)
	return remaining >= minRemaining, true
}

func asErrorResponse(resp *envelope.Message) (reason envelope.Reason, message string, isError bool) {
	if resp == nil || resp.MessageType != envelope.TypeError {
		return "", "", false
	}
	var ep errorPayload
	_ = json.Unmarshal(resp.Payload, &ep)
	return envelope.Reason(ep.Reason), ep.UserMessage, true
}

func (r *Router) abortedByCancel(st *sessionState) bool {
	return st.snapshot().State == StateCancelled
}

func (r *Router) fail(ctx context.Context, st *sessionState, req envelope.Message, reason envelope.Reason, detail string) {
	r.failWithReason(ctx, st, req, string(reason), detail)
}

// failTransport classifies a transport-level failure from requestStep:
// a capability that couldn't be resolved at all (no live instance) is
// service_unavailable per §7's taxonomy, while an actual Request
// timeout keeps the step-specific timeout reason the caller passed in.
func (r *Router) failTransport(ctx context.Context, st *sessionState, req envelope.Message, timeoutReason envelope.Reason, err error) {
	var resolveErr errResolveFailed
	if errors.As(err, &resolveErr) {
		r.fail(ctx, st, req, envelope.ReasonServiceUnavailable, resolveErr.Error())
		return
	}
	r.fail(ctx, st, req, timeoutReason, err.Error())
}

func (r *Router) failWithReason(ctx context.Context, st *sessionState, req envelope.Message, reason, detail string) {
	st.mu.Lock()
	st.session.State = StateFailed
	st.session.LastError = reason
	st.mu.Unlock()
	r.emitTransition(st.session.SessionID, StateFailed)

	errMsg := envelope.NewError("voice_router", &req, envelope.Reason(reason), detail)
	_ = r.pub.Publish(context.Background(), TopicResult, errMsg)
}

func (r *Router) emitTransition(sessionID string, state State) {
	payload, _ := json.Marshal(map[string]string{
		"session_id": sessionID,
		"state":      string(state),
	})
	evt := envelope.Message{
		MessageType: envelope.TypeEvent,
		ContentType: "application/json",
		Payload:     payload,
	}
	_ = r.pub.Publish(context.Background(), TopicState, evt)
}

func fraction(d time.Duration, f float64) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) * f)
}

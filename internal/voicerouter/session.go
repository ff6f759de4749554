package voicerouter

import (
	"context"
	"sync"
	"time"
)

// State is a voice session's position in the STT→AI→TTS pipeline
// (§4.4).
type State string

const (
	StateInit       State = "INIT"
	StateSTTPending State = "STT_PENDING"
	StateAIPending  State = "AI_PENDING"
	StateTTSPending State = "TTS_PENDING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Session is the data model record for one voice interaction (§3).
// JSON tags match the canonical wire field names exactly.
type Session struct {
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
	Transcript string   `json:"transcript,omitempty"`
	ReplyText string    `json:"reply_text,omitempty"`
	AudioOut  string    `json:"audio_out,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// sessionState wraps a Session with the machinery needed to enforce
// the ordering guarantee ("at most one state-advancing event processed
// at a time") and cancellation: a dedicated context cancelled either by
// an explicit cancel event or deadline expiry, and a done channel the
// cancel handler checks before acting (the janitor does not check it).
type sessionState struct {
	mu      sync.Mutex
	session Session
	cancel  context.CancelFunc
	done    chan struct{}
}

func (st *sessionState) setState(s State) {
	st.mu.Lock()
	st.session.State = s
	st.mu.Unlock()
}

func (st *sessionState) snapshot() Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session
}

func (st *sessionState) isTerminal() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.session.State {
	case StateDone, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

func (st *sessionState) finished() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

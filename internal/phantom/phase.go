package phantom

import (
	"time"
)

// Phase is the UI-visible thinking phase of a room's AI turn.
type Phase string

const (
	PhaseIdle       Phase = ""
	PhaseAnalyzing  Phase = "analyzing"
	PhaseGenerating Phase = "generating"
	PhaseResponding Phase = "responding"
)

// State is the observable thinking state rendered by chat surfaces.
type State struct {
	IsThinking    bool   `json:"isThinking"`
	ThinkingPhase *Phase `json:"thinkingPhase"`
}

func stateOf(p Phase) State {
	if p == PhaseIdle {
		return State{}
	}
	return State{IsThinking: true, ThinkingPhase: &p}
}

// PhaseEvent is published on every phase change.
type PhaseEvent struct {
	Session SessionKey
	Phase   Phase
	At      time.Time
}

// State returns the event as an observable state.
func (e PhaseEvent) State() State {
	return stateOf(e.Phase)
}

// Clock abstracts time so admission and pacing can be driven deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// readingDelay simulates the time spent reading the trigger message.
func readingDelay(message string) time.Duration {
	ms := min(800+10*textLength(message), 2000)
	return time.Duration(ms) * time.Millisecond
}

// typingDelay paces the perceived typing time to the generated text length.
func typingDelay(content string) time.Duration {
	ms := min(500+5*textLength(content), 1500)
	return time.Duration(ms) * time.Millisecond
}

func textLength(s string) int {
	return len([]rune(s))
}

package fsm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arcvox/voicebot/internal/pipeline/contract"
	"github.com/arcvox/voicebot/internal/pipeline/earcon"
	"github.com/arcvox/voicebot/internal/pipeline/pipetypes"
)

// maxBufferedUtterances bounds the utterance buffer; a 4th arrival drops
// the oldest rather than growing unbounded while the pipeline is busy.
const maxBufferedUtterances = 3

// Machine is the pipeline state machine. It owns the current [State], the
// warning/timeout timer pair for whichever Awaiting* state is active, and a
// small bounded buffer of utterances that arrived while busy. All exported
// methods are safe for concurrent use; Transition is synchronous and free
// of suspension points except for scheduling timers.
type Machine struct {
	mu sync.Mutex

	state  State
	buffer []pipetypes.Utterance

	warningTimer *time.Timer
	timeoutTimer *time.Timer

	onTimeout func([]Effect)
	logger    *slog.Logger
}

// New returns a [Machine] in the Idle state. A nil logger falls back to
// slog.Default().
func New(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{state: Idle{}, logger: logger}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HasActiveTimers reports whether a warning or timeout timer is currently
// armed. The liveness invariant is that this is true exactly when the
// current state is one of the four timer-bearing Awaiting* states.
func (m *Machine) HasActiveTimers() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warningTimer != nil || m.timeoutTimer != nil
}

// SetTimeoutHandler registers fn to be invoked whenever a scheduled warning
// or timeout fires. fn receives the effect list produced by applying the
// resulting internal event; it runs outside the machine's lock so it may
// safely call back into Transition.
func (m *Machine) SetTimeoutHandler(fn func([]Effect)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = fn
}

// BufferUtterance appends u to the bounded buffer, dropping the oldest
// entry if the buffer is already at capacity.
func (m *Machine) BufferUtterance(u pipetypes.Utterance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffer) >= maxBufferedUtterances {
		m.buffer = m.buffer[1:]
	}
	m.buffer = append(m.buffer, u)
}

// GetBufferedUtterance pops the oldest buffered utterance, if any.
func (m *Machine) GetBufferedUtterance() (pipetypes.Utterance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffer) == 0 {
		return pipetypes.Utterance{}, false
	}
	u := m.buffer[0]
	m.buffer = m.buffer[1:]
	return u, true
}

// Destroy clears all timers, empties the buffer, and resets to Idle. It is
// idempotent.
func (m *Machine) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearTimersLocked()
	m.buffer = nil
	m.state = Idle{}
}

// Transition applies event to the current state and returns the ordered
// effect list the orchestrator must apply.
func (m *Machine) Transition(event Event) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(event)
}

func (m *Machine) applyLocked(event Event) []Effect {
	switch ev := event.(type) {

	case UtteranceReceived:
		return m.onUtteranceReceivedLocked()

	case TranscriptReady:
		if _, ok := m.state.(Transcribing); ok {
			m.state = Processing{}
			return nil
		}
		m.logger.Warn("transcript ready in unexpected state", "state", stateName(m.state))
		return nil

	case ProcessingStarted:
		m.clearTimersLocked()
		m.state = Processing{}
		return nil

	case ProcessingComplete:
		m.clearTimersLocked()
		m.state = Idle{}
		return nil

	case SpeakingStarted:
		m.state = Speaking{}
		return nil

	case SpeakingComplete:
		m.clearTimersLocked()
		m.state = Idle{}
		return nil

	case ReturnToIdle:
		m.clearTimersLocked()
		m.state = Idle{}
		return nil

	case EnterChannelSelection:
		timeoutMs := resolveTimeoutMs(ev.Timeout, contract.ChannelSelection)
		m.state = AwaitingChannelSelection{
			awaitingTimers: awaitingTimers{EnteredAt: time.Now(), TimeoutMs: timeoutMs},
			Options:        ev.Options,
		}
		m.scheduleTimersLocked(timeoutMs)
		return nil

	case EnterQueueChoice:
		timeoutMs := resolveTimeoutMs(ev.Timeout, contract.QueueChoice)
		m.state = AwaitingQueueChoice{
			awaitingTimers: awaitingTimers{EnteredAt: time.Now(), TimeoutMs: timeoutMs},
			UserID:         ev.UserID,
			Transcript:     ev.Transcript,
		}
		m.scheduleTimersLocked(timeoutMs)
		return nil

	case EnterSwitchChoice:
		timeoutMs := resolveTimeoutMs(ev.Timeout, contract.SwitchChoice)
		m.state = AwaitingSwitchChoice{
			awaitingTimers: awaitingTimers{EnteredAt: time.Now(), TimeoutMs: timeoutMs},
			LastMessage:    ev.LastMessage,
		}
		m.scheduleTimersLocked(timeoutMs)
		return nil

	case EnterNewPostFlow:
		id := contract.NewPostForum
		if ev.Step == NewPostStepTitle {
			id = contract.NewPostTitle
		}
		timeoutMs := resolveTimeoutMs(ev.Timeout, id)
		m.state = NewPostFlow{
			awaitingTimers: awaitingTimers{EnteredAt: time.Now(), TimeoutMs: timeoutMs},
			Step:           ev.Step,
			ForumID:        ev.ForumID,
			ForumName:      ev.ForumName,
			Title:          ev.Title,
		}
		m.scheduleTimersLocked(timeoutMs)
		return nil

	case NewPostAdvance:
		id := contract.NewPostForum
		if ev.Step == NewPostStepTitle {
			id = contract.NewPostTitle
		}
		timeoutMs := resolveTimeoutMs(ev.Timeout, id)
		m.state = NewPostFlow{
			awaitingTimers: awaitingTimers{EnteredAt: time.Now(), TimeoutMs: timeoutMs},
			Step:           ev.Step,
			ForumID:        ev.ForumID,
			ForumName:      ev.ForumName,
			Title:          ev.Title,
		}
		m.scheduleTimersLocked(timeoutMs)
		return nil

	case EnterInboxFlow:
		m.clearTimersLocked()
		m.state = InboxFlow{Items: ev.Items, Index: 0, ReturnChannel: ev.ReturnChannel}
		return nil

	case InboxAdvance:
		if in, ok := m.state.(InboxFlow); ok {
			in.Index++
			m.state = in
			return nil
		}
		m.logger.Warn("inbox advance received outside inbox flow", "state", stateName(m.state))
		return nil

	case AwaitingInputReceived:
		if !ev.Recognized {
			return m.onUnrecognizedInputLocked()
		}
		// Recognized input that does not exit the menu still resumes the
		// timer pair that admission paused.
		if hasTimers(m.state) {
			m.resetAwaitingTimersLocked()
		}
		return nil

	case CancelFlow:
		m.clearTimersLocked()
		m.state = Idle{}
		return []Effect{Earcon{Name: earcon.Cancelled}}

	case timerWarningFired:
		return m.onWarningFiredLocked()

	case timerExpired:
		return m.onTimeoutFiredLocked()

	default:
		m.logger.Warn("unhandled fsm event", "event", fmt.Sprintf("%T", event))
		return nil
	}
}

func (m *Machine) onUtteranceReceivedLocked() []Effect {
	switch m.state.(type) {
	case Idle:
		m.state = Transcribing{}
		return nil
	case Processing:
		return []Effect{Earcon{Name: earcon.Busy}}
	case Speaking:
		return []Effect{StopPlayback{}, Earcon{Name: earcon.Busy}}
	default:
		if hasTimers(m.state) {
			m.clearTimersLocked()
			return nil
		}
		// InboxFlow and Transcribing: state unchanged, nothing to clear.
		return nil
	}
}

func (m *Machine) onUnrecognizedInputLocked() []Effect {
	id, ok := contractFor(m.state)
	if !ok {
		m.logger.Warn("unrecognized input received outside an awaiting state", "state", stateName(m.state))
		return nil
	}
	c := contract.MustGet(id)
	m.resetAwaitingTimersLocked()
	return []Effect{
		Earcon{Name: earcon.Error},
		Speak{Text: c.RepromptText},
	}
}

func (m *Machine) onWarningFiredLocked() []Effect {
	if !hasTimers(m.state) {
		return nil
	}
	if warningAlreadyFired(m.state) {
		return nil
	}
	m.state = withWarningFired(m.state)
	return []Effect{Earcon{Name: earcon.TimeoutWarning}}
}

func (m *Machine) onTimeoutFiredLocked() []Effect {
	id, ok := contractFor(m.state)
	m.clearTimersLocked()
	m.state = Idle{}
	if !ok {
		return []Effect{Earcon{Name: earcon.Cancelled}}
	}
	c := contract.MustGet(id)
	return []Effect{Earcon{Name: earcon.Cancelled}, Speak{Text: c.TimeoutText}}
}

// resetAwaitingTimersLocked resets enteredAt/warningFired and reschedules
// the timer pair for the currently active Awaiting* state, reusing its
// existing timeoutMs.
func (m *Machine) resetAwaitingTimersLocked() {
	timeoutMs := awaitingTimeoutMs(m.state)
	m.state = withTimerReset(m.state)
	m.scheduleTimersLocked(timeoutMs)
}

// scheduleTimersLocked cancels any prior timers and arms a fresh
// warning/timeout pair for timeoutMs. The warning fires 5s before timeout;
// if timeoutMs is too small for a meaningful lead time, only the timeout is
// armed.
func (m *Machine) scheduleTimersLocked(timeoutMs int64) {
	m.cancelTimersLocked()

	timeout := time.Duration(timeoutMs) * time.Millisecond
	warningLead := contract.DefaultWarningLeadTime()

	if timeout > warningLead {
		m.warningTimer = time.AfterFunc(timeout-warningLead, m.fireWarning)
	}
	m.timeoutTimer = time.AfterFunc(timeout, m.fireTimeout)
}

// clearTimersLocked cancels any active timers. Used on every transition
// that leaves an Awaiting* state.
func (m *Machine) clearTimersLocked() {
	m.cancelTimersLocked()
}

func (m *Machine) cancelTimersLocked() {
	if m.warningTimer != nil {
		m.warningTimer.Stop()
		m.warningTimer = nil
	}
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
}

func (m *Machine) fireWarning() {
	m.mu.Lock()
	effects := m.applyLocked(timerWarningFired{})
	m.warningTimer = nil
	handler := m.onTimeout
	m.mu.Unlock()
	if handler != nil && len(effects) > 0 {
		handler(effects)
	}
}

func (m *Machine) fireTimeout() {
	m.mu.Lock()
	effects := m.applyLocked(timerExpired{})
	m.timeoutTimer = nil
	handler := m.onTimeout
	m.mu.Unlock()
	if handler != nil {
		handler(effects)
	}
}

// resolveTimeoutMs returns explicit's millisecond value if non-nil,
// otherwise the contract's default timeout for id.
func resolveTimeoutMs(explicit *time.Duration, id contract.ID) int64 {
	if explicit != nil {
		return explicit.Milliseconds()
	}
	return contract.MustGet(id).DefaultTimeout.Milliseconds()
}

// contractFor returns the contract id that governs the current Awaiting*
// state, if any.
func contractFor(s State) (contract.ID, bool) {
	switch st := s.(type) {
	case AwaitingChannelSelection:
		return contract.ChannelSelection, true
	case AwaitingQueueChoice:
		return contract.QueueChoice, true
	case AwaitingSwitchChoice:
		return contract.SwitchChoice, true
	case NewPostFlow:
		if st.Step == NewPostStepTitle {
			return contract.NewPostTitle, true
		}
		return contract.NewPostForum, true
	default:
		return "", false
	}
}

func awaitingTimeoutMs(s State) int64 {
	switch st := s.(type) {
	case AwaitingChannelSelection:
		return st.TimeoutMs
	case AwaitingQueueChoice:
		return st.TimeoutMs
	case AwaitingSwitchChoice:
		return st.TimeoutMs
	case NewPostFlow:
		return st.TimeoutMs
	default:
		return 0
	}
}

func warningAlreadyFired(s State) bool {
	switch st := s.(type) {
	case AwaitingChannelSelection:
		return st.WarningFired
	case AwaitingQueueChoice:
		return st.WarningFired
	case AwaitingSwitchChoice:
		return st.WarningFired
	case NewPostFlow:
		return st.WarningFired
	default:
		return true
	}
}

func withWarningFired(s State) State {
	switch st := s.(type) {
	case AwaitingChannelSelection:
		st.WarningFired = true
		return st
	case AwaitingQueueChoice:
		st.WarningFired = true
		return st
	case AwaitingSwitchChoice:
		st.WarningFired = true
		return st
	case NewPostFlow:
		st.WarningFired = true
		return st
	default:
		return s
	}
}

func withTimerReset(s State) State {
	switch st := s.(type) {
	case AwaitingChannelSelection:
		st.EnteredAt, st.WarningFired = time.Now(), false
		return st
	case AwaitingQueueChoice:
		st.EnteredAt, st.WarningFired = time.Now(), false
		return st
	case AwaitingSwitchChoice:
		st.EnteredAt, st.WarningFired = time.Now(), false
		return st
	case NewPostFlow:
		st.EnteredAt, st.WarningFired = time.Now(), false
		return st
	default:
		return s
	}
}

func stateName(s State) string {
	switch s.(type) {
	case Idle:
		return "idle"
	case Transcribing:
		return "transcribing"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	case AwaitingChannelSelection:
		return "awaiting-channel-selection"
	case AwaitingQueueChoice:
		return "awaiting-queue-choice"
	case AwaitingSwitchChoice:
		return "awaiting-switch-choice"
	case NewPostFlow:
		return "new-post-flow"
	case InboxFlow:
		return "inbox-flow"
	default:
		return fmt.Sprintf("%T", s)
	}
}

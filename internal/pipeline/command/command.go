// Package command implements pure, synchronous recognition of voice
// commands from STT transcripts: wake-word detection, the ordered voice
// command grammar, and the fuzzy matchers used by menu-style awaiting
// states (queue choice, switch choice, channel selection).
//
// Every exported function here is deterministic and side-effect free —
// no logging, no I/O, no clock reads — so the pipeline state machine and
// the orchestrator can call them freely without worrying about
// concurrency or ordering.
package command

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// IntentTag identifies the kind of VoiceCommand without requiring a type
// switch at every call site that only cares about the tag (e.g. interaction
// contracts index accepted intents by tag).
type IntentTag string

const (
	IntentWakeCheck    IntentTag = "wake-check"
	IntentSwitch       IntentTag = "switch"
	IntentList         IntentTag = "list"
	IntentDefault      IntentTag = "default"
	IntentNoise        IntentTag = "noise"
	IntentDelay        IntentTag = "delay"
	IntentDelayAdjust  IntentTag = "delay-adjust"
	IntentSettings     IntentTag = "settings"
	IntentNewPost      IntentTag = "new-post"
	IntentMode         IntentTag = "mode"
	IntentInboxCheck   IntentTag = "inbox-check"
	IntentInboxNext    IntentTag = "inbox-next"
	IntentInboxClear   IntentTag = "inbox-clear"
	IntentReadLast     IntentTag = "read-last-message"
	IntentVoiceStatus  IntentTag = "voice-status"
	IntentPause        IntentTag = "pause"
	IntentReplay       IntentTag = "replay"
	IntentGatedMode    IntentTag = "gated-mode"
	IntentEarconTour   IntentTag = "earcon-tour"
	IntentDispatch     IntentTag = "dispatch"
	IntentSilentWait   IntentTag = "silent-wait"
)

// VoiceCommand is the sum type of everything parseVoiceCommand can
// produce. Exactly one of the typed fields is meaningful per Tag; callers
// should switch on Tag rather than probing fields.
type VoiceCommand struct {
	Tag IntentTag

	// Switch
	Channel string

	// Noise
	NoiseLevel string

	// Delay
	DelayValue string

	// DelayAdjust: "longer" or "shorter"
	DelayDirection string

	// Mode: "wait", "queue", or "ask"
	ModeName string

	// GatedMode: on/off
	GatedOn bool

	// Dispatch
	DispatchBody string
}

// QueueChoice is the result of matchQueueChoice.
type QueueChoice string

const (
	ChoiceQueue  QueueChoice = "queue"
	ChoiceWait   QueueChoice = "wait"
	ChoiceSilent QueueChoice = "silent"
	ChoiceCancel QueueChoice = "cancel"
	ChoiceNone   QueueChoice = ""
)

// SwitchChoice is the result of matchSwitchChoice.
type SwitchChoice string

const (
	SwitchChoiceRead   SwitchChoice = "read"
	SwitchChoicePrompt SwitchChoice = "prompt"
	SwitchChoiceCancel SwitchChoice = "cancel"
	SwitchChoiceNone   SwitchChoice = ""
)

// trailingPunct strips trailing sentence punctuation after lowercasing.
var trailingPunct = regexp.MustCompile(`[.,!?;:]+$`)

// normalize lowercases, trims whitespace, and strips trailing punctuation.
// It is Unicode-aware via strings.ToLower (not ASCII-only).
func normalize(text string) string {
	t := strings.TrimSpace(text)
	t = strings.ToLower(t)
	t = trailingPunct.ReplaceAllString(t, "")
	return strings.TrimSpace(t)
}

// wakeWordPattern builds the compiled wake-word regex for a given bot name.
// The bot name is treated as a single literal token; an optional "hey"/
// "hello" greeting and optional leading comma/punctuation are accepted.
func wakeWordPattern(botName string) *regexp.Regexp {
	name := regexp.QuoteMeta(strings.ToLower(botName))
	// (hey|hello)?[,]?\s*<botName>[,.?!]?(\s|$)
	pattern := `^(?:(?:hey|hello)[,]?\s*)?` + name + `[,.?!]?(?:\s|$)`
	return regexp.MustCompile(pattern)
}

// MatchesWakeWord reports whether text, after whitespace trim and
// case-folding, starts with the wake word for botName. The bot name must
// match as a whole leading token, not as a substring inside another word
// (e.g. "watsonville" must not match "watson").
func MatchesWakeWord(text, botName string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	re := wakeWordPattern(botName)
	return re.MatchString(t)
}

// stripWake removes a matched wake-word prefix from text and returns the
// remaining tail, trimmed. Assumes MatchesWakeWord(text, botName) is true.
func stripWake(text, botName string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	re := wakeWordPattern(botName)
	loc := re.FindStringIndex(t)
	if loc == nil {
		return ""
	}
	return strings.TrimSpace(t[loc[1]:])
}

// StripWake returns the lowercased, trimmed tail after a matched wake-word
// prefix, or text with only surrounding whitespace trimmed when no wake word
// is present. Used by the prompt
// path so "watson, what time is it" dispatches "what time is it".
func StripWake(text, botName string) string {
	if !MatchesWakeWord(text, botName) {
		return strings.TrimSpace(text)
	}
	return stripWake(text, botName)
}

// Ordered command grammar. Order matters: mode switch must be tried before
// switch-to (both can start with similar words), list before default,
// default before dispatch, and so on, matching spec.md's prescribed
// precedence.
var (
	reModeSwitch    = regexp.MustCompile(`^(?:set\s+)?mode\s+(?:to\s+)?(wait|queue|ask)$`)
	reSwitchTo      = regexp.MustCompile(`^switch(?:\s+to)?\s+(.+)$`)
	reList          = regexp.MustCompile(`^(?:list|what channels?(?:\s+are\s+there)?)$`)
	reDefault       = regexp.MustCompile(`^(?:default|go back|back|done)$`)
	reDispatch      = regexp.MustCompile(`^(?:dispatch|send)\s+(.+)$`)
	reNoise         = regexp.MustCompile(`^noise\s+(low|medium|high|off)$`)
	reDelay         = regexp.MustCompile(`^delay\s+(\d+(?:\.\d+)?)$`)
	reDelayAdjust   = regexp.MustCompile(`^delay\s+(longer|shorter)$`)
	reSettings      = regexp.MustCompile(`^(?:settings|voice settings)$`)
	reNewPost       = regexp.MustCompile(`^new post$`)
	reInboxCheck    = regexp.MustCompile(`^inbox$`)
	reInboxNext     = regexp.MustCompile(`^next$`)
	reInboxClear    = regexp.MustCompile(`^(?:clear inbox|clear)$`)
	reReadLast      = regexp.MustCompile(`^read(?: last message)?$`)
	reVoiceStatus   = regexp.MustCompile(`^(?:status|voice status)$`)
	rePause         = regexp.MustCompile(`^(?:pause|stop)$`)
	reReplay        = regexp.MustCompile(`^replay$`)
	reGatedOn       = regexp.MustCompile(`^gated mode (on|off)$`)
	reEarconTour    = regexp.MustCompile(`^earcon tour$`)
	reSilentWait    = regexp.MustCompile(`^silent wait$`)
)

// ParseVoiceCommand attempts to recognize a wake-word-prefixed voice
// command. It returns (cmd, true) on a match, or a zero VoiceCommand and
// false when text does not start with the wake word for botName.
//
// On a bare wake word with an empty tail, it returns IntentWakeCheck.
func ParseVoiceCommand(text, botName string) (VoiceCommand, bool) {
	if !MatchesWakeWord(text, botName) {
		return VoiceCommand{}, false
	}
	tail := normalize(stripWake(text, botName))
	if tail == "" {
		return VoiceCommand{Tag: IntentWakeCheck}, true
	}

	if m := reModeSwitch.FindStringSubmatch(tail); m != nil {
		return VoiceCommand{Tag: IntentMode, ModeName: m[1]}, true
	}
	if m := reSwitchTo.FindStringSubmatch(tail); m != nil {
		return VoiceCommand{Tag: IntentSwitch, Channel: strings.TrimSpace(m[1])}, true
	}
	if reList.MatchString(tail) {
		return VoiceCommand{Tag: IntentList}, true
	}
	if reDefault.MatchString(tail) {
		return VoiceCommand{Tag: IntentDefault}, true
	}
	if m := reDispatch.FindStringSubmatch(tail); m != nil {
		return VoiceCommand{Tag: IntentDispatch, DispatchBody: strings.TrimSpace(m[1])}, true
	}
	if m := reNoise.FindStringSubmatch(tail); m != nil {
		return VoiceCommand{Tag: IntentNoise, NoiseLevel: m[1]}, true
	}
	if m := reDelay.FindStringSubmatch(tail); m != nil {
		return VoiceCommand{Tag: IntentDelay, DelayValue: m[1]}, true
	}
	if m := reDelayAdjust.FindStringSubmatch(tail); m != nil {
		return VoiceCommand{Tag: IntentDelayAdjust, DelayDirection: m[1]}, true
	}
	if reSettings.MatchString(tail) {
		return VoiceCommand{Tag: IntentSettings}, true
	}
	if reNewPost.MatchString(tail) {
		return VoiceCommand{Tag: IntentNewPost}, true
	}
	if reInboxCheck.MatchString(tail) {
		return VoiceCommand{Tag: IntentInboxCheck}, true
	}
	if reInboxNext.MatchString(tail) {
		return VoiceCommand{Tag: IntentInboxNext}, true
	}
	if reInboxClear.MatchString(tail) {
		return VoiceCommand{Tag: IntentInboxClear}, true
	}
	if reReadLast.MatchString(tail) {
		return VoiceCommand{Tag: IntentReadLast}, true
	}
	if reVoiceStatus.MatchString(tail) {
		return VoiceCommand{Tag: IntentVoiceStatus}, true
	}
	if rePause.MatchString(tail) {
		return VoiceCommand{Tag: IntentPause}, true
	}
	if reReplay.MatchString(tail) {
		return VoiceCommand{Tag: IntentReplay}, true
	}
	if m := reGatedOn.FindStringSubmatch(tail); m != nil {
		return VoiceCommand{Tag: IntentGatedMode, GatedOn: m[1] == "on"}, true
	}
	if reEarconTour.MatchString(tail) {
		return VoiceCommand{Tag: IntentEarconTour}, true
	}
	if reSilentWait.MatchString(tail) {
		return VoiceCommand{Tag: IntentSilentWait}, true
	}

	return VoiceCommand{}, false
}

// queueChoiceAliases maps common STT misrecognitions to canonical queue
// choice tokens. Built from known Whisper/Deepgram confusions for short,
// acoustically similar words.
var queueChoiceAliases = map[string]QueueChoice{
	"queue":  ChoiceQueue,
	"cue":    ChoiceQueue,
	"q":      ChoiceQueue,
	"kyu":    ChoiceQueue,
	"wait":   ChoiceWait,
	"weight": ChoiceWait,
	"wheat":  ChoiceWait,
	"way":    ChoiceWait,
	"silent": ChoiceSilent,
	"silence": ChoiceSilent,
	"quiet":  ChoiceSilent,
	"cancel": ChoiceCancel,
	"never mind": ChoiceCancel,
	"nevermind":  ChoiceCancel,
	"stop":   ChoiceCancel,
}

// MatchQueueChoice classifies a free-form reply to the ask-mode queue
// prompt. It returns ChoiceNone when no known token is present, or when
// both "queue" and "wait" tokens are present together (an ambiguous
// utterance that must be treated as unrecognized so the caller reprompts).
func MatchQueueChoice(text string) QueueChoice {
	t := normalize(text)
	if t == "" {
		return ChoiceNone
	}
	tokens := strings.Fields(t)

	sawQueue, sawWait := false, false
	var found QueueChoice

	for _, tok := range tokens {
		if c, ok := queueChoiceAliases[tok]; ok {
			switch c {
			case ChoiceQueue:
				sawQueue = true
			case ChoiceWait:
				sawWait = true
			}
			found = c
		}
	}
	// Also check multi-word aliases.
	for phrase, c := range queueChoiceAliases {
		if strings.Contains(phrase, " ") && strings.Contains(t, phrase) {
			found = c
		}
	}

	if sawQueue && sawWait {
		return ChoiceNone
	}
	return found
}

// switchChoiceAliases maps known STT confusions to the switch-choice menu.
var switchChoiceAliases = map[string]SwitchChoice{
	"read":    SwitchChoiceRead,
	"reed":    SwitchChoiceRead,
	"red":     SwitchChoiceRead,
	"prompt":  SwitchChoicePrompt,
	"prom":    SwitchChoicePrompt,
	"cancel":  SwitchChoiceCancel,
	"nevermind": SwitchChoiceCancel,
	"never mind": SwitchChoiceCancel,
	"stop":    SwitchChoiceCancel,
}

// MatchSwitchChoice classifies a free-form reply to the post-switch
// "read the last message or start a new prompt?" menu.
func MatchSwitchChoice(text string) SwitchChoice {
	t := normalize(text)
	if t == "" {
		return SwitchChoiceNone
	}
	for phrase, c := range switchChoiceAliases {
		if strings.Contains(phrase, " ") && strings.Contains(t, phrase) {
			return c
		}
	}
	for _, tok := range strings.Fields(t) {
		if c, ok := switchChoiceAliases[tok]; ok {
			return c
		}
	}
	return SwitchChoiceNone
}

var (
	reNumericSelection = regexp.MustCompile(`^(?:number\s+)?(\d+)$`)
)

// MatchChannelSelection resolves a free-form channel-selection reply
// against the ordered list of option display names. It tries, in order:
// numeric selection ("2", "number 2"), exact (case-insensitive) name
// match, then substring fuzzy match. Returns the matched index into
// options, or -1 if nothing matches.
//
// MatchChannelSelection is idempotent on canonical names: feeding a
// canonical option name back in yields the same index every time.
func MatchChannelSelection(text string, options []string) int {
	t := normalize(text)
	if t == "" {
		return -1
	}

	if m := reNumericSelection.FindStringSubmatch(t); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1
		}
		return -1
	}

	for i, opt := range options {
		if normalize(opt) == t {
			return i
		}
	}

	for i, opt := range options {
		on := normalize(opt)
		if strings.Contains(on, t) || strings.Contains(t, on) {
			return i
		}
	}

	return -1
}

// leadingTokens returns up to n whitespace-separated tokens from the front
// of text, after normalization.
func leadingTokens(text string, n int) []string {
	t := normalize(text)
	fields := strings.Fields(t)
	if len(fields) > n {
		fields = fields[:n]
	}
	return fields
}

// IsNearMissWake reports whether text almost — but does not exactly —
// invoke the wake word: one of the leading two tokens is within edit
// distance 1 (Damerau-Levenshtein, via matchr) of botName, while
// MatchesWakeWord(text, botName) is false.
//
// Used by the orchestrator's gated-mode admission filter (spec §4.6 step
// 6) to play a single "did you mean to wake me?" error earcon instead of
// silently dropping a near-attempt.
func IsNearMissWake(text, botName string) bool {
	if MatchesWakeWord(text, botName) {
		return false
	}
	name := strings.ToLower(botName)
	for _, tok := range leadingTokens(text, 2) {
		tok = strings.Trim(tok, ".,!?;:")
		if tok == "" {
			continue
		}
		if matchr.DamerauLevenshtein(tok, name) <= 1 {
			return true
		}
	}
	return false
}

// isBracketTag reports whether text is a non-lexical STT bracket marker
// such as "[BLANK_AUDIO]" or "[SOUND]" — the entire trimmed string is a
// single bracketed tag with no other content.
func isBracketTag(text string) bool {
	t := strings.TrimSpace(text)
	if len(t) < 2 || t[0] != '[' || t[len(t)-1] != ']' {
		return false
	}
	inner := t[1 : len(t)-1]
	if inner == "" {
		return false
	}
	for _, r := range inner {
		if !(unicode.IsLetter(r) || unicode.IsSpace(r) || r == '_') {
			return false
		}
	}
	return true
}

// IsNonLexical reports whether a transcript should be discarded outright:
// empty, whitespace-only, or a bracket tag like "[BLANK_AUDIO]"/"[SOUND]".
func IsNonLexical(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	return isBracketTag(t)
}

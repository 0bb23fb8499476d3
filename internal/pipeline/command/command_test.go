package command

import "testing"

func TestMatchesWakeWord(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"Watson", true},
		{"watson", true},
		{"hey watson", true},
		{"hello, watson", true},
		{"Watson, what time is it", true},
		{"watsonville is a city", false},
		{"ok watson check inbox", false}, // "ok" is not an accepted greeting
		{"", false},
		{"watson.", true},
		{"watson?", true},
	}
	for _, c := range cases {
		if got := MatchesWakeWord(c.text, "Watson"); got != c.want {
			t.Errorf("MatchesWakeWord(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestParseVoiceCommand_WakeCheck(t *testing.T) {
	cmd, ok := ParseVoiceCommand("Watson", "Watson")
	if !ok || cmd.Tag != IntentWakeCheck {
		t.Fatalf("got %+v, %v; want IntentWakeCheck", cmd, ok)
	}
}

func TestParseVoiceCommand_NotWaked(t *testing.T) {
	_, ok := ParseVoiceCommand("what time is it", "Watson")
	if ok {
		t.Fatal("expected no match without wake word")
	}
}

func TestParseVoiceCommand_Table(t *testing.T) {
	cases := []struct {
		text string
		tag  IntentTag
	}{
		{"Watson, switch to general", IntentSwitch},
		{"Watson, list", IntentList},
		{"Watson, default", IntentDefault},
		{"Watson, done", IntentDefault},
		{"Watson, dispatch hello there", IntentDispatch},
		{"Watson, noise low", IntentNoise},
		{"Watson, delay 5", IntentDelay},
		{"Watson, delay longer", IntentDelayAdjust},
		{"Watson, settings", IntentSettings},
		{"Watson, new post", IntentNewPost},
		{"Watson, mode queue", IntentMode},
		{"Watson, inbox", IntentInboxCheck},
		{"Watson, next", IntentInboxNext},
		{"Watson, clear inbox", IntentInboxClear},
		{"Watson, read", IntentReadLast},
		{"Watson, status", IntentVoiceStatus},
		{"Watson, pause", IntentPause},
		{"Watson, replay", IntentReplay},
		{"Watson, gated mode on", IntentGatedMode},
		{"Watson, earcon tour", IntentEarconTour},
		{"Watson, silent wait", IntentSilentWait},
	}
	for _, c := range cases {
		cmd, ok := ParseVoiceCommand(c.text, "Watson")
		if !ok {
			t.Errorf("%q: expected match", c.text)
			continue
		}
		if cmd.Tag != c.tag {
			t.Errorf("%q: got tag %v, want %v", c.text, cmd.Tag, c.tag)
		}
	}
}

func TestParseVoiceCommand_Precedence(t *testing.T) {
	// "mode switch" style commands must be recognized before generic switch-to.
	cmd, ok := ParseVoiceCommand("Watson, mode wait", "Watson")
	if !ok || cmd.Tag != IntentMode || cmd.ModeName != "wait" {
		t.Fatalf("got %+v, %v", cmd, ok)
	}
}

func TestMatchQueueChoice(t *testing.T) {
	cases := []struct {
		text string
		want QueueChoice
	}{
		{"queue", ChoiceQueue},
		{"cue it", ChoiceQueue},
		{"wait", ChoiceWait},
		{"weight", ChoiceWait},
		{"wheat", ChoiceWait},
		{"silent", ChoiceSilent},
		{"cancel", ChoiceCancel},
		{"nevermind", ChoiceCancel},
		{"queue and wait", ChoiceNone},
		{"banana", ChoiceNone},
		{"", ChoiceNone},
	}
	for _, c := range cases {
		if got := MatchQueueChoice(c.text); got != c.want {
			t.Errorf("MatchQueueChoice(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestMatchSwitchChoice(t *testing.T) {
	cases := []struct {
		text string
		want SwitchChoice
	}{
		{"read", SwitchChoiceRead},
		{"reed it", SwitchChoiceRead},
		{"prompt", SwitchChoicePrompt},
		{"cancel", SwitchChoiceCancel},
		{"banana", SwitchChoiceNone},
	}
	for _, c := range cases {
		if got := MatchSwitchChoice(c.text); got != c.want {
			t.Errorf("MatchSwitchChoice(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestMatchChannelSelection(t *testing.T) {
	options := []string{"General", "Recipes", "Garden Projects"}

	cases := []struct {
		text string
		want int
	}{
		{"1", 0},
		{"number 2", 1},
		{"recipes", 1},
		{"garden", 2},
		{"the garden projects please", 2},
		{"nonexistent", -1},
		{"5", -1},
	}
	for _, c := range cases {
		if got := MatchChannelSelection(c.text, options); got != c.want {
			t.Errorf("MatchChannelSelection(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

// Property: match(match(x)) is unchanged when x is a canonical option name.
func TestMatchChannelSelection_Idempotent(t *testing.T) {
	options := []string{"General", "Recipes"}
	for _, name := range options {
		idx := MatchChannelSelection(name, options)
		if idx < 0 {
			t.Fatalf("canonical name %q did not match", name)
		}
		idx2 := MatchChannelSelection(options[idx], options)
		if idx2 != idx {
			t.Errorf("match not idempotent for %q: %d != %d", name, idx, idx2)
		}
	}
}

func TestIsNearMissWake(t *testing.T) {
	if !IsNearMissWake("or Watsen inbox list", "Watson") {
		t.Error("expected near-miss detection for 'Watsen'")
	}
	if IsNearMissWake("Watson, inbox", "Watson") {
		t.Error("exact wake word should not be a near-miss")
	}
	if IsNearMissWake("completely unrelated text here", "Watson") {
		t.Error("unrelated text should not be a near-miss")
	}
}

func TestIsNonLexical(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"[BLANK_AUDIO]", true},
		{"[SOUND]", true},
		{"hello there", false},
	}
	for _, c := range cases {
		if got := IsNonLexical(c.text); got != c.want {
			t.Errorf("IsNonLexical(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

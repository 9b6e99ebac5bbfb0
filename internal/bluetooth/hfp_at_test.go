package bluetooth

import "testing"

func TestParseATLineRecognizesAllDialectForms(t *testing.T) {
	cases := []struct {
		line string
		kind ATKind
		val  int
	}{
		{"AT+VGS=8", ATSetSpeakerGain, 8},
		{"AT+VGM=12", ATSetMicGain, 12},
		{"AT+CKPD=200", ATKeypad, 200},
		{"+VGS=5", ATNotifySpeaker, 5},
		{"+VGM=3", ATNotifyMic, 3},
	}
	for _, c := range cases {
		got, ok := ParseATLine(c.line)
		if !ok {
			t.Fatalf("%q: expected a recognized command", c.line)
		}
		if got.Kind != c.kind || got.Value != c.val {
			t.Fatalf("%q: got %+v", c.line, got)
		}
	}
}

func TestParseATLineRejectsUnknownCommand(t *testing.T) {
	if _, ok := ParseATLine("AT+CLCC"); ok {
		t.Fatalf("expected an unrecognized command to return ok=false")
	}
}

func TestATChannelAcksRecognizedSetCommands(t *testing.T) {
	var replies []string
	ch := NewATChannel(func(s string) error {
		replies = append(replies, s)
		return nil
	})
	if err := ch.HandleLine("AT+VGS=10"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}
	if len(replies) != 1 || replies[0] != atOK {
		t.Fatalf("expected one OK reply, got %v", replies)
	}
}

// TestATChannelIgnoresUnknownCommandWithoutError pins spec.md §4.8:
// "Unknown commands are ignored (no ERROR reply)".
func TestATChannelIgnoresUnknownCommandWithoutError(t *testing.T) {
	var replies []string
	ch := NewATChannel(func(s string) error {
		replies = append(replies, s)
		return nil
	})
	if err := ch.HandleLine("AT+BOGUS=1"); err != nil {
		t.Fatalf("expected no error for an unknown command, got %v", err)
	}
	if len(replies) != 0 {
		t.Fatalf("expected no reply for an unknown command, got %v", replies)
	}
}

func TestATChannelNotificationsUpdateCachedVolumeAndRaiseEvent(t *testing.T) {
	ch := NewATChannel(func(string) error { return nil })
	var fired int
	ch.OnVolumeChanged(func() { fired++ })

	if err := ch.HandleLine("+VGS=9"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}
	if ch.SpeakerGain() != 9 {
		t.Fatalf("expected cached speaker gain 9, got %d", ch.SpeakerGain())
	}
	if err := ch.HandleLine("+VGM=4"); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}
	if ch.MicGain() != 4 {
		t.Fatalf("expected cached mic gain 4, got %d", ch.MicGain())
	}
	if fired != 2 {
		t.Fatalf("expected volume_changed to fire twice, fired %d times", fired)
	}
}

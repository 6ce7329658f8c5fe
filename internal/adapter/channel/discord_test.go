package channel

import (
	"context"
	"testing"
)

func TestDiscordBridgeName(t *testing.T) {
	br := NewDiscordBridge("token", &recordingDispatcher{}, nil, testLogger())
	if br.Name() != "discord" {
		t.Errorf("Name = %q", br.Name())
	}
}

func TestDiscordOptions(t *testing.T) {
	br := NewDiscordBridge("token", &recordingDispatcher{}, nil, testLogger(),
		WithDiscordGuild("g1"),
		WithDiscordChannels([]string{"ch1"}),
		WithDiscordMentionOnly(true),
	)
	if br.guildID != "g1" {
		t.Errorf("guildID = %q", br.guildID)
	}
	if !br.channelIDs["ch1"] {
		t.Errorf("channelIDs = %v", br.channelIDs)
	}
	if !br.mentionOnly {
		t.Error("mentionOnly should be true")
	}
}

func TestDiscordStopBeforeStart(t *testing.T) {
	br := NewDiscordBridge("token", &recordingDispatcher{}, nil, testLogger())
	if err := br.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

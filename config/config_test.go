package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"CHAT_TRANSPORT", "QUEUE_COOLDOWN", "QUEUE_MAX_LENGTH", "COMMAND_TRIGGERS", "CREDENTIAL_SAFETY_MARGIN"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ChatTransport != TransportTwitch {
		t.Errorf("ChatTransport = %q, want %q", cfg.ChatTransport, TransportTwitch)
	}
	if cfg.QueueMaxPendingPerViewer != 1 || cfg.QueueMaxLength != 50 || cfg.QueueCooldown != 10*time.Second {
		t.Errorf("unexpected queue defaults: pending=%d max=%d cooldown=%v", cfg.QueueMaxPendingPerViewer, cfg.QueueMaxLength, cfg.QueueCooldown)
	}
	if len(cfg.CommandTriggers) != 2 || cfg.CommandTriggers[0] != "!request" {
		t.Errorf("CommandTriggers = %v, want [!request !play]", cfg.CommandTriggers)
	}
	if cfg.CredentialSafetyMargin != time.Minute {
		t.Errorf("CredentialSafetyMargin = %v, want 1m", cfg.CredentialSafetyMargin)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_COOLDOWN", "45")
	t.Setenv("CHAT_BACKOFF_CAP", "2m")
	t.Setenv("COMMAND_TRIGGERS", " !sr , ,!song ")
	t.Setenv("CHAT_TRANSPORT", "WebSocket")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.QueueCooldown != 45*time.Second {
		t.Errorf("QueueCooldown = %v, want 45s", cfg.QueueCooldown)
	}
	if cfg.ChatBackoffCap != 2*time.Minute {
		t.Errorf("ChatBackoffCap = %v, want 2m", cfg.ChatBackoffCap)
	}
	if len(cfg.CommandTriggers) != 2 || cfg.CommandTriggers[1] != "!song" {
		t.Errorf("CommandTriggers = %v", cfg.CommandTriggers)
	}
	if cfg.ChatTransport != TransportWebSocket {
		t.Errorf("ChatTransport = %q", cfg.ChatTransport)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"QUEUE_MAX_LENGTH", "lots"},
		{"QUEUE_COOLDOWN", "-5s"},
		{"CHAT_TRANSPORT", "carrier-pigeon"},
		{"PLAYER_MAX_ATTEMPTS", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestValidateChatReady(t *testing.T) {
	t.Setenv("CHAT_TRANSPORT", "twitch")
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	t.Setenv("TWITCH_OAUTH_TOKEN", "oauth:token")
	cfg, _ := Load()
	if err := cfg.ValidateChatReady("somechannel"); err != nil {
		t.Errorf("expected valid chat config, got %v", err)
	}
	if err := cfg.ValidateChatReady(""); err == nil {
		t.Errorf("expected error for empty room")
	}

	t.Setenv("TWITCH_OAUTH_TOKEN", "")
	cfg, _ = Load()
	if err := cfg.ValidateChatReady("somechannel"); err == nil {
		t.Errorf("expected error when only the bot username is set")
	}

	t.Setenv("CHAT_TRANSPORT", "websocket")
	t.Setenv("CHAT_RELAY_URL", "")
	cfg, _ = Load()
	if err := cfg.ValidateChatReady("room"); err == nil {
		t.Errorf("expected error when relay url missing")
	}
}

func TestValidateSpotifyReady(t *testing.T) {
	t.Setenv("SPOTIFY_CLIENT_ID", "id")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "secret")
	t.Setenv("SPOTIFY_REDIRECT_URI", "http://localhost:8080/auth/spotify/callback")
	cfg, _ := Load()
	if err := cfg.ValidateSpotifyReady(); err != nil {
		t.Errorf("expected valid spotify config, got %v", err)
	}
	t.Setenv("SPOTIFY_CLIENT_SECRET", "")
	cfg, _ = Load()
	if err := cfg.ValidateSpotifyReady(); err == nil {
		t.Errorf("expected error when secret missing")
	}
}

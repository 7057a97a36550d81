package protocol

import (
	"strings"
	"testing"

	"github.com/ashureev/middleman/internal/domain"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		wantErr bool
		check   func(t *testing.T, cmd Command)
	}{
		{
			name: "subscribe with agent",
			data: `{"type":"subscribe","agentId":"a1"}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.AgentID != "a1" {
					t.Errorf("AgentID = %q", cmd.AgentID)
				}
			},
		},
		{
			name: "user message with delivery",
			data: `{"type":"user_message","text":"hi","delivery":"steer"}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.Text != "hi" || cmd.Delivery != domain.DeliverySteer {
					t.Errorf("cmd = %+v", cmd)
				}
			},
		},
		{
			name: "create manager",
			data: `{"type":"create_manager","name":"alpha","cwd":"/tmp","model":{"provider":"p","modelId":"m"},"requestId":"r1"}`,
			check: func(t *testing.T, cmd Command) {
				if cmd.Name != "alpha" || cmd.Model.Provider != "p" || cmd.RequestID != "r1" {
					t.Errorf("cmd = %+v", cmd)
				}
			},
		},
		{name: "ping", data: `{"type":"ping"}`},
		{name: "missing type", data: `{"text":"hi"}`, wantErr: true},
		{name: "unknown type", data: `{"type":"reboot_everything"}`, wantErr: true},
		{name: "malformed json", data: `{"type":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Decode([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatal("Decode() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cmd)
			}
		})
	}
}

func TestMarshalEventShapes(t *testing.T) {
	t.Parallel()

	got := string(Marshal(ErrorEvent{Type: EvtError, Code: CodeUnknownAgent, Message: "nope", RequestID: "r9"}))
	for _, want := range []string{`"type":"error"`, `"code":"UNKNOWN_AGENT"`, `"requestId":"r9"`} {
		if !strings.Contains(got, want) {
			t.Errorf("marshal = %s, missing %s", got, want)
		}
	}

	history := string(Marshal(ConversationHistory{
		Type:         EvtConversationHistory,
		AgentID:      "a1",
		Conversation: []domain.Event{},
		Activity:     []domain.Event{},
	}))
	if !strings.Contains(history, `"conversation":[]`) || !strings.Contains(history, `"activity":[]`) {
		t.Errorf("empty history projections must marshal as arrays: %s", history)
	}
}

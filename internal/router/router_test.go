package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"novaagent/internal/domain"
)

func TestRoute(t *testing.T) {
	r := New(Config{
		ChannelWorkspace: map[string]string{"Slack": "team", " ": "ignored"},
		ChannelProfile:   map[string]string{"cli": "strict", "slack": " "},
	})

	tests := []struct {
		channel string
		want    Decision
	}{
		{channel: "slack", want: Decision{WorkspaceID: "team", ProfileName: "unleashed_local"}},
		{channel: "SLACK ", want: Decision{WorkspaceID: "team", ProfileName: "unleashed_local"}},
		{channel: "cli", want: Decision{WorkspaceID: "default", ProfileName: "strict"}},
		{channel: "unknown", want: Decision{WorkspaceID: "default", ProfileName: "unleashed_local"}},
		{channel: "", want: Decision{WorkspaceID: "default", ProfileName: "unleashed_local"}},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Route(tt.channel))
		})
	}
}

func TestRoute_CustomDefaults(t *testing.T) {
	r := New(Config{DefaultWorkspace: "home", DefaultProfile: "safe"})
	assert.Equal(t, Decision{WorkspaceID: "home", ProfileName: "safe"}, r.Route("any"))
}

func TestRouteMessage(t *testing.T) {
	r := New(Config{
		ChannelWorkspace: map[string]string{"slack": "team"},
		ChannelProfile:   map[string]string{"slack": "strict"},
	})

	tests := []struct {
		name string
		msg  domain.InboundMessage
		want Decision
	}{
		{
			name: "channel only",
			msg:  domain.InboundMessage{Connector: "slack"},
			want: Decision{WorkspaceID: "team", ProfileName: "strict"},
		},
		{
			name: "metadata wins",
			msg: domain.InboundMessage{Connector: "slack", Metadata: map[string]any{
				"workspace_id": "lab", "profile_name": "balanced",
			}},
			want: Decision{WorkspaceID: "lab", ProfileName: "balanced"},
		},
		{
			name: "policy_profile alias",
			msg:  domain.InboundMessage{Connector: "cli", Metadata: map[string]any{"policy_profile": "locked"}},
			want: Decision{WorkspaceID: "default", ProfileName: "locked"},
		},
		{
			name: "non-string hints ignored",
			msg:  domain.InboundMessage{Connector: "slack", Metadata: map[string]any{"workspace_id": 7}},
			want: Decision{WorkspaceID: "team", ProfileName: "strict"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.RouteMessage(tt.msg))
		})
	}
}

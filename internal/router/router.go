// Package router decides which workspace and policy profile an inbound
// message's job runs under.
package router

import (
	"strings"

	"novaagent/internal/domain"
)

type Decision struct {
	WorkspaceID string `json:"workspace_id"`
	ProfileName string `json:"profile_name"`
}

type Config struct {
	DefaultWorkspace string            `yaml:"default_workspace"`
	DefaultProfile   string            `yaml:"default_profile"`
	ChannelWorkspace map[string]string `yaml:"channel_workspace"`
	ChannelProfile   map[string]string `yaml:"channel_profile"`
}

// Router is immutable after New and safe for concurrent use.
type Router struct {
	defaultWorkspace string
	defaultProfile   string
	workspaces       map[string]string
	profiles         map[string]string
}

func New(cfg Config) *Router {
	r := &Router{
		defaultWorkspace: strings.TrimSpace(cfg.DefaultWorkspace),
		defaultProfile:   strings.TrimSpace(cfg.DefaultProfile),
		workspaces:       normalize(cfg.ChannelWorkspace),
		profiles:         normalize(cfg.ChannelProfile),
	}
	if r.defaultWorkspace == "" {
		r.defaultWorkspace = domain.DefaultWorkspaceID
	}
	if r.defaultProfile == "" {
		r.defaultProfile = domain.DefaultProfileName
	}
	return r
}

func normalize(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// Route resolves the channel's overrides, falling back to the defaults.
// Channel names are case-insensitive.
func (r *Router) Route(channel string) Decision {
	channel = strings.ToLower(strings.TrimSpace(channel))
	d := Decision{WorkspaceID: r.workspaces[channel], ProfileName: r.profiles[channel]}
	if d.WorkspaceID == "" {
		d.WorkspaceID = r.defaultWorkspace
	}
	if d.ProfileName == "" {
		d.ProfileName = r.defaultProfile
	}
	return d
}

// RouteMessage is Route with per-message hints: metadata workspace_id and
// profile_name (or policy_profile) take precedence over channel overrides.
func (r *Router) RouteMessage(msg domain.InboundMessage) Decision {
	d := r.Route(msg.Connector)
	if ws := strings.TrimSpace(msg.MetadataString("workspace_id")); ws != "" {
		d.WorkspaceID = ws
	}
	profile := strings.TrimSpace(msg.MetadataString("profile_name"))
	if profile == "" {
		profile = strings.TrimSpace(msg.MetadataString("policy_profile"))
	}
	if profile != "" {
		d.ProfileName = profile
	}
	return d
}

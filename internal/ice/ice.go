// Package ice turns user-facing connection settings into the ICE server
// list handed to pion when a peer connection is built.
package ice

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Well-known public STUN endpoints used when the default toggle is on.
// Disabling the toggle without adding custom entries is a supported,
// LAN-only configuration.
var defaultStunURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var (
	ErrNotStunURL    = errors.New("ice: url must start with stun: or stuns:")
	ErrEmptyURL      = errors.New("ice: url is empty")
	ErrURLWhitespace = errors.New("ice: url must not contain whitespace")
)

var stunURLPattern = regexp.MustCompile(`(?i)^stuns?:\S+$`)

// Config is the slice of advanced settings that resolution consumes. The
// resolver takes a copy at session-build time; it never reads live state.
type Config struct {
	UseDefaultStun bool
	CustomStunURLs []string
	TurnURL        string
	TurnUsername   string
	TurnCredential string
}

// Resolve builds the ordered ICE server list: default STUN (when enabled),
// then custom STUN entries in insertion order, then at most one TURN entry.
//
// Resolve is pure and never fails: custom entries are advisory, so a
// malformed one is filtered rather than blocking the call.
func Resolve(cfg Config) []webrtc.ICEServer {
	var servers []webrtc.ICEServer

	if cfg.UseDefaultStun {
		servers = append(servers, webrtc.ICEServer{URLs: append([]string(nil), defaultStunURLs...)})
	}

	for _, raw := range cfg.CustomStunURLs {
		url := strings.TrimSpace(raw)
		if url == "" || ValidateStunURL(url) != nil {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	if turnURL := strings.TrimSpace(cfg.TurnURL); turnURL != "" {
		server := webrtc.ICEServer{URLs: []string{turnURL}}
		// Empty credential fields are omitted entirely; some ICE agents
		// mishandle present-but-empty values.
		if u := strings.TrimSpace(cfg.TurnUsername); u != "" {
			server.Username = u
		}
		if c := strings.TrimSpace(cfg.TurnCredential); c != "" {
			server.Credential = c
		}
		servers = append(servers, server)
	}

	return servers
}

// ValidateStunURL checks a candidate custom STUN entry before it is added
// to the settings list.
func ValidateStunURL(raw string) error {
	url := strings.TrimSpace(raw)
	if url == "" {
		return ErrEmptyURL
	}
	if strings.ContainsAny(url, " \t") {
		return ErrURLWhitespace
	}
	if !stunURLPattern.MatchString(url) {
		return fmt.Errorf("%w: %q", ErrNotStunURL, url)
	}
	return nil
}

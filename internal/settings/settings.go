// Package settings holds the user-controlled negotiation configuration:
// the default-STUN toggle, custom STUN entries and optional TURN
// credentials, persisted across runs through a Store.
package settings

import (
	"errors"
	"fmt"
	"strings"

	"github.com/duocall/duocall/internal/ice"
)

var ErrDuplicateStunURL = errors.New("settings: stun url already present")

// Advanced is the mutable settings object. It is not safe for concurrent
// use; callers own synchronization (the coordinator reads it through a
// latest-value provider, never concurrently with mutation).
type Advanced struct {
	UseDefaultStun bool     `json:"use_default_stun"`
	CustomStunURLs []string `json:"custom_stun_urls"`
	TurnURL        string   `json:"turn_url"`
	TurnUsername   string   `json:"turn_username"`
	TurnCredential string   `json:"turn_credential"`

	// dirty tracks divergence from the last persisted state.
	dirty bool
}

// Defaults returns the settings used before anything was persisted.
func Defaults() Advanced {
	return Advanced{UseDefaultStun: true}
}

// AddStun validates and appends a custom STUN URL. The stored value is the
// trimmed input; duplicates (exact string match) are rejected without
// mutating the list.
func (a *Advanced) AddStun(raw string) error {
	url := strings.TrimSpace(raw)
	if err := ice.ValidateStunURL(url); err != nil {
		return err
	}
	for _, existing := range a.CustomStunURLs {
		if existing == url {
			return fmt.Errorf("%w: %q", ErrDuplicateStunURL, url)
		}
	}
	a.CustomStunURLs = append(a.CustomStunURLs, url)
	a.dirty = true
	return nil
}

// RemoveStun deletes the entry matching url exactly. Removing an absent
// entry is a no-op.
func (a *Advanced) RemoveStun(url string) {
	for i, existing := range a.CustomStunURLs {
		if existing == url {
			a.CustomStunURLs = append(a.CustomStunURLs[:i], a.CustomStunURLs[i+1:]...)
			a.dirty = true
			return
		}
	}
}

// SetTurn replaces the TURN endpoint and credentials. Empty strings unset
// the corresponding field.
func (a *Advanced) SetTurn(url, username, credential string) {
	a.TurnURL = strings.TrimSpace(url)
	a.TurnUsername = username
	a.TurnCredential = credential
	a.dirty = true
}

// SetUseDefaultStun flips the default-STUN toggle.
func (a *Advanced) SetUseDefaultStun(enabled bool) {
	if a.UseDefaultStun == enabled {
		return
	}
	a.UseDefaultStun = enabled
	a.dirty = true
}

// Dirty reports whether the settings diverge from the last persisted state.
func (a *Advanced) Dirty() bool { return a.dirty }

// ICEConfig snapshots the fields the resolver consumes.
func (a *Advanced) ICEConfig() ice.Config {
	return ice.Config{
		UseDefaultStun: a.UseDefaultStun,
		CustomStunURLs: append([]string(nil), a.CustomStunURLs...),
		TurnURL:        a.TurnURL,
		TurnUsername:   a.TurnUsername,
		TurnCredential: a.TurnCredential,
	}
}

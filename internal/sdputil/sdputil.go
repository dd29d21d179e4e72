// Package sdputil normalizes SDP text before it is handed to the
// negotiation engine.
//
// SDP that traveled through a relay, a JSON serializer, or a copy-paste
// buffer commonly arrives with mixed line endings, blank lines, or
// session-level attributes that are only legal inside a media section.
// Sanitize repairs what it can; Validate rejects what it cannot.
package sdputil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

var (
	ErrEmpty          = errors.New("sdputil: sdp is empty")
	ErrNoMediaSection = errors.New("sdputil: sdp contains no media section (m= line)")
)

const maxMessageSizeAttr = "a=max-message-size:"

// Sanitize cleans an SDP blob:
//
//  1. Line endings are normalized, then re-joined with CRLF as RFC 8866
//     requires.
//  2. Blank lines and per-line leading/trailing whitespace are removed.
//  3. `a=max-message-size` at session level is moved into the first
//     m=application section (it is only valid there per RFC 8841; Chrome
//     rejects it at session level), or dropped when no application section
//     exists.
//
// Empty input and input without any m= line are errors.
func Sanitize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmpty
	}

	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var lines []string
	for _, line := range strings.Split(normalized, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}

	firstMedia := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "m=") {
			firstMedia = i
			break
		}
	}
	if firstMedia == -1 {
		return "", ErrNoMediaSection
	}

	var sessionLines, mediaLines, hoisted []string
	for i, line := range lines {
		switch {
		case i >= firstMedia:
			mediaLines = append(mediaLines, line)
		case strings.HasPrefix(line, maxMessageSizeAttr):
			hoisted = append(hoisted, line)
		default:
			sessionLines = append(sessionLines, line)
		}
	}

	if len(hoisted) > 0 {
		mediaLines = insertIntoApplicationSection(mediaLines, hoisted)
	}

	rebuilt := append(sessionLines, mediaLines...)
	return strings.Join(rebuilt, "\r\n") + "\r\n", nil
}

// insertIntoApplicationSection places the hoisted attribute lines after the
// first m=application line and any immediately following c=/a=mid: lines.
// Without an application section the attributes are irrelevant and dropped.
func insertIntoApplicationSection(mediaLines, hoisted []string) []string {
	appIdx := -1
	for i, line := range mediaLines {
		if strings.HasPrefix(line, "m=application") {
			appIdx = i
			break
		}
	}
	if appIdx == -1 {
		return mediaLines
	}

	insertAt := appIdx + 1
	for insertAt < len(mediaLines) &&
		(strings.HasPrefix(mediaLines[insertAt], "c=") ||
			strings.HasPrefix(mediaLines[insertAt], "a=mid:")) {
		insertAt++
	}

	out := make([]string, 0, len(mediaLines)+len(hoisted))
	out = append(out, mediaLines[:insertAt]...)
	out = append(out, hoisted...)
	out = append(out, mediaLines[insertAt:]...)
	return out
}

// Validate checks that sdp parses as a structurally complete session
// description with at least one media section. It returns a descriptive
// error instead of letting pion surface a cryptic one mid-negotiation.
func Validate(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmpty
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("sdputil: parse sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return ErrNoMediaSection
	}
	return nil
}

// Package protocol models the signaling wire format: the JSON envelopes
// relayed over the per-peer WebSocket and the DTOs of the session HTTP API.
//
// It deliberately depends on pion types only at the conversion boundary;
// the envelope itself is plain JSON so either side can evolve
// independently of the WebRTC library.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type enumerates signaling message kinds.
type Type string

const (
	TypePeerJoined   Type = "peer_joined"
	TypeOffer        Type = "sdp_offer"
	TypeAnswer       Type = "sdp_answer"
	TypeCandidate    Type = "ice_candidate"
	TypePeerLeft     Type = "peer_left"
	TypeSessionEnded Type = "session_ended"
)

var (
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrMissingPayload = errors.New("protocol: missing payload")
	ErrMissingToPeer  = errors.New("protocol: sdp_answer requires to_peer")
)

// SDP is the JSON-friendly session description payload.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("protocol: unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the JSON-friendly ICE candidate payload.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is a signaling message as it travels through the relay.
//
// Payload is kept raw because its shape depends on Type; use the SDP and
// Candidate accessors after checking Type. Extra JSON fields are tolerated
// so mismatched client versions degrade gracefully.
type Envelope struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	FromPeer  string          `json:"from_peer,omitempty"`
	ToPeer    string          `json:"to_peer,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewOffer(sessionID string, sdp SDP) Envelope {
	return Envelope{Type: TypeOffer, SessionID: sessionID, Payload: mustMarshal(sdp)}
}

func NewAnswer(sessionID, toPeer string, sdp SDP) Envelope {
	return Envelope{Type: TypeAnswer, SessionID: sessionID, ToPeer: toPeer, Payload: mustMarshal(sdp)}
}

func NewCandidate(sessionID string, cand Candidate) Envelope {
	return Envelope{Type: TypeCandidate, SessionID: sessionID, Payload: mustMarshal(cand)}
}

// Parse decodes and validates an inbound envelope. An unrecognized type
// yields ErrUnknownType; callers decide whether that is ignorable (clients
// and the relay both treat it as a droppable message, not a fatal error).
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypeOffer:
		sdp, err := e.SDP()
		if err != nil {
			return err
		}
		if sdp.Type != "offer" {
			return fmt.Errorf("protocol: sdp_offer carries sdp.type=%q", sdp.Type)
		}
	case TypeAnswer:
		sdp, err := e.SDP()
		if err != nil {
			return err
		}
		if sdp.Type != "answer" {
			return fmt.Errorf("protocol: sdp_answer carries sdp.type=%q", sdp.Type)
		}
	case TypeCandidate:
		if _, err := e.Candidate(); err != nil {
			return err
		}
	case TypePeerJoined, TypePeerLeft, TypeSessionEnded:
		// No payload.
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// SDP decodes the payload of an sdp_offer/sdp_answer envelope.
func (e Envelope) SDP() (SDP, error) {
	if len(e.Payload) == 0 {
		return SDP{}, fmt.Errorf("%w for %s", ErrMissingPayload, e.Type)
	}
	var sdp SDP
	if err := json.Unmarshal(e.Payload, &sdp); err != nil {
		return SDP{}, fmt.Errorf("protocol: decode sdp payload: %w", err)
	}
	if sdp.SDP == "" {
		return SDP{}, fmt.Errorf("%w for %s", ErrMissingPayload, e.Type)
	}
	return sdp, nil
}

// Candidate decodes the payload of an ice_candidate envelope.
func (e Envelope) Candidate() (Candidate, error) {
	if len(e.Payload) == 0 {
		return Candidate{}, fmt.Errorf("%w for %s", ErrMissingPayload, e.Type)
	}
	var cand Candidate
	if err := json.Unmarshal(e.Payload, &cand); err != nil {
		return Candidate{}, fmt.Errorf("protocol: decode candidate payload: %w", err)
	}
	if cand.Candidate == "" {
		return Candidate{}, fmt.Errorf("%w for %s", ErrMissingPayload, e.Type)
	}
	return cand, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal unconditionally; reaching this is a bug.
		panic(fmt.Sprintf("protocol: marshal payload: %v", err))
	}
	return data
}

package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParse_Offer(t *testing.T) {
	t.Parallel()

	env := NewOffer("s1", SDP{Type: "offer", SDP: "v=0\r\n"})
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Type != TypeOffer || parsed.SessionID != "s1" {
		t.Fatalf("parsed=%+v", parsed)
	}
	sdp, err := parsed.SDP()
	if err != nil {
		t.Fatalf("SDP: %v", err)
	}
	if sdp.SDP != "v=0\r\n" {
		t.Fatalf("sdp=%+v", sdp)
	}
}

func TestParse_AnswerWrongSDPType(t *testing.T) {
	t.Parallel()

	env := Envelope{Type: TypeAnswer, ToPeer: "p2", Payload: mustMarshal(SDP{Type: "offer", SDP: "v=0\r\n"})}
	data, _ := json.Marshal(env)

	if _, err := Parse(data); err == nil {
		t.Fatalf("expected error for sdp_answer carrying an offer")
	}
}

func TestParse_UnknownTypeIsIdentifiable(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"type":"keepalive"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err=%v, want ErrUnknownType", err)
	}
}

func TestParse_ToleratesExtraFields(t *testing.T) {
	t.Parallel()

	raw := `{"type":"peer_joined","session_id":"s1","future_field":42}`
	env, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Type != TypePeerJoined {
		t.Fatalf("type=%q", env.Type)
	}
}

func TestParse_MissingPayload(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"type":"sdp_offer"}`,
		`{"type":"sdp_answer","to_peer":"p"}`,
		`{"type":"ice_candidate"}`,
		`{"type":"ice_candidate","payload":{"candidate":""}}`,
	} {
		if _, err := Parse([]byte(raw)); !errors.Is(err, ErrMissingPayload) {
			t.Fatalf("Parse(%s)=%v, want ErrMissingPayload", raw, err)
		}
	}
}

func TestCandidate_PionRoundTrip(t *testing.T) {
	t.Parallel()

	mid := "0"
	idx := uint16(0)
	init := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}

	cand := CandidateFromPion(init)
	back := cand.ToPion()
	if back.Candidate != init.Candidate || *back.SDPMid != mid || *back.SDPMLineIndex != idx {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestSDP_ToPionRejectsUnknownType(t *testing.T) {
	t.Parallel()

	if _, err := (SDP{Type: "pranswer", SDP: "v=0"}).ToPion(); err == nil {
		t.Fatalf("expected error for unsupported sdp type")
	}
}

func TestICEServer_CredentialHandling(t *testing.T) {
	t.Parallel()

	withCred := ICEServerFromPion(webrtc.ICEServer{
		URLs:       []string{"turn:t.example.com"},
		Username:   "u",
		Credential: "secret",
	})
	if withCred.Credential != "secret" {
		t.Fatalf("credential=%q", withCred.Credential)
	}

	pion := withCred.ToPion()
	if cred, ok := pion.Credential.(string); !ok || cred != "secret" {
		t.Fatalf("pion credential=%#v", pion.Credential)
	}

	// STUN-only entries keep Credential nil, not "".
	stun := ICEServer{URLs: []string{"stun:s.example.com"}}.ToPion()
	if stun.Credential != nil {
		t.Fatalf("stun credential=%#v, want nil", stun.Credential)
	}
}

package protocol

import "github.com/pion/webrtc/v4"

// HTTP DTOs for the session rendezvous API.
//
//	POST /sessions                -> 201 CreateSessionResponse
//	POST /sessions/{id}/join      -> 200 JoinResponse
//	                                 404 session unknown
//	                                 409 session already has two peers
//	                                 503 session cap reached (create)

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

type JoinRequest struct {
	PeerID string `json:"peer_id"`
}

type JoinResponse struct {
	ICEServers  []ICEServer `json:"ice_servers"`
	IsInitiator bool        `json:"is_initiator"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ICEServer is the JSON shape of one ICE server entry in a join response.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func ICEServerFromPion(s webrtc.ICEServer) ICEServer {
	out := ICEServer{
		URLs:     append([]string(nil), s.URLs...),
		Username: s.Username,
	}
	if cred, ok := s.Credential.(string); ok {
		out.Credential = cred
	}
	return out
}

func (s ICEServer) ToPion() webrtc.ICEServer {
	out := webrtc.ICEServer{
		URLs:     append([]string(nil), s.URLs...),
		Username: s.Username,
	}
	if s.Credential != "" {
		out.Credential = s.Credential
	}
	return out
}

func ICEServersFromPion(servers []webrtc.ICEServer) []ICEServer {
	out := make([]ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, ICEServerFromPion(s))
	}
	return out
}

func ICEServersToPion(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ToPion())
	}
	return out
}

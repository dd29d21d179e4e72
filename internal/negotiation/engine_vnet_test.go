package negotiation_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/negotiation"
)

type vnetPair struct {
	router *vnet.Router
	netA   *vnet.Net
	netB   *vnet.Net
}

func newVNetPair(t *testing.T) *vnetPair {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.20.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.20.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.20.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return &vnetPair{router: router, netA: netA, netB: netB}
}

func apiFor(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()

	se := webrtc.SettingEngine{}
	se.SetNet(n)
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me))
}

func waitFor(t *testing.T, what string, deadline time.Duration, cond func() bool) {
	t.Helper()

	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestTricklePairConnects drives two engines through a full trickle
// negotiation: offer, answer, candidate exchange in both directions, data
// channel open and chat both ways.
func TestTricklePairConnects(t *testing.T) {
	pair := newVNetPair(t)

	offerer := negotiation.New(negotiation.Config{API: apiFor(t, pair.netA)})
	answerer := negotiation.New(negotiation.Config{API: apiFor(t, pair.netB)})
	defer offerer.HangUp()
	defer answerer.HangUp()

	// Candidates from the offerer must be buffered until the answerer has
	// a session to receive them; the other direction queues internally.
	toAnswerer := make(chan webrtc.ICECandidateInit, 32)
	offerer.OnLocalCandidate(func(c webrtc.ICECandidateInit) { toAnswerer <- c })
	answerer.OnLocalCandidate(func(c webrtc.ICECandidateInit) { offerer.AddRemoteCandidate(c) })

	offererChat := make(chan negotiation.ChatEntry, 8)
	answererChat := make(chan negotiation.ChatEntry, 8)
	offerer.OnChatMessage(func(e negotiation.ChatEntry) { offererChat <- e })
	answerer.OnChatMessage(func(e negotiation.ChatEntry) { answererChat <- e })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	offer, err := offerer.CreateOffer(ctx, nil, nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := answerer.CreateAnswer(ctx, nil, offer, nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := offerer.ApplyRemoteAnswer(answer); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}

	// Now the answerer has a session; drain buffered offerer candidates.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case c := <-toAnswerer:
				answerer.AddRemoteCandidate(c)
			case <-done:
				return
			}
		}
	}()

	connected := func(s webrtc.ICEConnectionState) bool {
		return s == webrtc.ICEConnectionStateConnected || s == webrtc.ICEConnectionStateCompleted
	}
	waitFor(t, "offerer ICE connected", 20*time.Second, func() bool {
		return connected(offerer.ICEConnectionState())
	})
	waitFor(t, "answerer ICE connected", 20*time.Second, func() bool {
		return connected(answerer.ICEConnectionState())
	})
	waitFor(t, "offerer data channel open", 20*time.Second, func() bool {
		return offerer.DataChannelState() == negotiation.DataChannelOpen
	})
	waitFor(t, "answerer data channel open", 20*time.Second, func() bool {
		return answerer.DataChannelState() == negotiation.DataChannelOpen
	})

	if err := offerer.SendMessage("hello from A"); err != nil {
		t.Fatalf("offerer SendMessage: %v", err)
	}
	select {
	case entry := <-answererChat:
		if entry.Text != "hello from A" || entry.Direction != negotiation.DirectionRemote {
			t.Fatalf("answerer got %+v", entry)
		}
	case <-ctx.Done():
		t.Fatalf("answerer never received chat message")
	}

	if err := answerer.SendMessage("hello from B"); err != nil {
		t.Fatalf("answerer SendMessage: %v", err)
	}
	select {
	case entry := <-offererChat:
		if entry.Text != "hello from B" || entry.Direction != negotiation.DirectionRemote {
			t.Fatalf("offerer got %+v", entry)
		}
	case <-ctx.Done():
		t.Fatalf("offerer never received chat message")
	}

	// Both sides keep an ordered log of their own view of the exchange.
	log := offerer.ChatLog()
	if len(log) != 2 {
		t.Fatalf("offerer chat log has %d entries, want 2", len(log))
	}
	if log[0].Direction != negotiation.DirectionLocal || log[1].Direction != negotiation.DirectionRemote {
		t.Fatalf("offerer chat log out of order: %+v", log)
	}
}

// TestGatherCompletePairConnects exercises the non-trickle path: each
// description already carries its candidates, so no forwarding is needed.
func TestGatherCompletePairConnects(t *testing.T) {
	pair := newVNetPair(t)

	offerer := negotiation.New(negotiation.Config{
		API:           apiFor(t, pair.netA),
		GatherMode:    negotiation.GatherComplete,
		GatherTimeout: 10 * time.Second,
	})
	answerer := negotiation.New(negotiation.Config{
		API:           apiFor(t, pair.netB),
		GatherMode:    negotiation.GatherComplete,
		GatherTimeout: 10 * time.Second,
	})
	defer offerer.HangUp()
	defer answerer.HangUp()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	offer, err := offerer.CreateOffer(ctx, nil, nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := answerer.CreateAnswer(ctx, nil, offer, nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := offerer.ApplyRemoteAnswer(answer); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}

	connected := func(s webrtc.ICEConnectionState) bool {
		return s == webrtc.ICEConnectionStateConnected || s == webrtc.ICEConnectionStateCompleted
	}
	waitFor(t, "offerer ICE connected", 20*time.Second, func() bool {
		return connected(offerer.ICEConnectionState())
	})
	waitFor(t, "answerer ICE connected", 20*time.Second, func() bool {
		return connected(answerer.ICEConnectionState())
	})
}

// TestRemoteTrackDelivery attaches synthetic media on the offerer and
// checks the answerer observes the incoming tracks.
func TestRemoteTrackDelivery(t *testing.T) {
	pair := newVNetPair(t)

	offerer := negotiation.New(negotiation.Config{API: apiFor(t, pair.netA)})
	answerer := negotiation.New(negotiation.Config{API: apiFor(t, pair.netB)})
	defer offerer.HangUp()
	defer answerer.HangUp()

	toAnswerer := make(chan webrtc.ICECandidateInit, 32)
	offerer.OnLocalCandidate(func(c webrtc.ICECandidateInit) { toAnswerer <- c })
	answerer.OnLocalCandidate(func(c webrtc.ICECandidateInit) { offerer.AddRemoteCandidate(c) })

	tracks := make(chan negotiation.RemoteTrack, 4)
	answerer.OnRemoteTrack(func(rt negotiation.RemoteTrack) { tracks <- rt })

	prov, err := media.NewSynthetic()
	if err != nil {
		t.Fatalf("NewSynthetic: %v", err)
	}
	if err := prov.Start(); err != nil {
		t.Fatalf("provider Start: %v", err)
	}
	defer prov.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	offer, err := offerer.CreateOffer(ctx, nil, prov)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := answerer.CreateAnswer(ctx, nil, offer, nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := offerer.ApplyRemoteAnswer(answer); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case c := <-toAnswerer:
				answerer.AddRemoteCandidate(c)
			case <-done:
				return
			}
		}
	}()

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case rt := <-tracks:
			got[rt.Track.Kind().String()] = true
		case <-ctx.Done():
			t.Fatalf("timed out waiting for remote tracks, saw %v", got)
		}
	}
	if !got["audio"] || !got["video"] {
		t.Fatalf("remote tracks = %v, want audio and video", got)
	}
}

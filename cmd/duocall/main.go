// Command duocall is the terminal peer: it creates or joins a session on
// a duocall-signaling relay, negotiates a direct connection to the other
// peer and then bridges stdin/stdout to the chat data channel.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/coordinator"
	"github.com/duocall/duocall/internal/ice"
	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/negotiation"
	"github.com/duocall/duocall/internal/settings"
	"github.com/duocall/duocall/internal/signaling"
)

const joinTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	relayURL     string
	sessionID    string
	gatherMode   negotiation.GatherMode
	settingsPath string
	withMedia    bool
	verbose      bool
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("duocall", flag.ContinueOnError)

	relayURL := fs.String("relay", envOr("DUOCALL_RELAY_URL", "http://127.0.0.1:8080"),
		"relay base URL (env DUOCALL_RELAY_URL)")
	sessionID := fs.String("join", "", "session id to join; empty creates a new session")
	gather := fs.String("gather", "trickle", "candidate gathering mode: trickle or complete")
	settingsPath := fs.String("settings", "", "settings file path (default: user config dir)")
	withMedia := fs.Bool("media", true, "publish synthetic audio/video tracks")
	verbose := fs.Bool("v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{
		relayURL:     *relayURL,
		sessionID:    *sessionID,
		settingsPath: *settingsPath,
		withMedia:    *withMedia,
		verbose:      *verbose,
	}

	switch *gather {
	case "trickle":
		opts.gatherMode = negotiation.GatherTrickle
	case "complete":
		opts.gatherMode = negotiation.GatherComplete
	default:
		return options{}, fmt.Errorf("--gather must be \"trickle\" or \"complete\", got %q", *gather)
	}

	if opts.settingsPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return options{}, fmt.Errorf("resolve settings path: %w", err)
		}
		opts.settingsPath = filepath.Join(dir, "duocall", "settings.json")
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	adv, err := settings.NewFileStore(opts.settingsPath).Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	ch, err := signaling.New(signaling.Config{BaseURL: opts.relayURL, Logger: logger})
	if err != nil {
		return err
	}

	engine := negotiation.New(negotiation.Config{
		GatherMode: opts.gatherMode,
		Logger:     logger,
	})

	var provider *media.Synthetic
	if opts.withMedia {
		provider, err = media.NewSynthetic()
		if err != nil {
			return fmt.Errorf("build media tracks: %w", err)
		}
	}

	// ICE servers resolve from persisted settings until the relay hands us
	// a list at join; the relay's list then wins.
	iceHolder := newICEHolder(ice.Resolve(adv.ICEConfig()))

	coord := coordinator.New(coordinator.Config{
		Channel:    ch,
		Engine:     engine,
		ICEServers: iceHolder.get,
		Media: func() media.Provider {
			if provider == nil {
				return nil
			}
			return provider
		},
		Logger: logger,
	})

	wireConsole(engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID, err = coord.CreateSession(joinCtx)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		fmt.Printf("session created: %s\n", sessionID)
		fmt.Printf("have the other side run: duocall --join %s\n", sessionID)
	}

	join, err := coord.JoinSession(joinCtx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, signaling.ErrSessionNotFound):
			return fmt.Errorf("session %s does not exist or has expired", sessionID)
		case errors.Is(err, signaling.ErrSessionFull):
			return fmt.Errorf("session %s already has two peers", sessionID)
		}
		return fmt.Errorf("join session: %w", err)
	}
	if len(join.ICEServers) > 0 {
		iceHolder.set(join.ICEServers)
	}

	if join.IsInitiator {
		fmt.Println("waiting for the other peer to join...")
	} else {
		fmt.Println("joined; waiting for an offer...")
	}

	if provider != nil {
		if err := provider.Start(); err != nil {
			return fmt.Errorf("start media: %w", err)
		}
		defer provider.Stop()
	}

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nhanging up")
			coord.HangUp()
			return nil
		case line, ok := <-lines:
			if !ok {
				coord.HangUp()
				return nil
			}
			if line == "/quit" {
				coord.HangUp()
				return nil
			}
			if line == "" {
				continue
			}
			if err := coord.SendChat(line); err != nil {
				if errors.Is(err, negotiation.ErrChannelNotOpen) {
					fmt.Println("(chat channel not open yet)")
					continue
				}
				return fmt.Errorf("send chat: %w", err)
			}
		}
	}
}

// wireConsole prints call progress and incoming chat to stdout.
func wireConsole(engine *negotiation.Engine) {
	engine.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		switch st {
		case webrtc.ICEConnectionStateConnected:
			fmt.Println("peer connected")
		case webrtc.ICEConnectionStateDisconnected:
			fmt.Println("peer connection interrupted")
		case webrtc.ICEConnectionStateFailed:
			fmt.Println("peer connection failed")
		}
	})
	engine.OnDataChannelState(func(st negotiation.DataChannelState) {
		if st == negotiation.DataChannelOpen {
			fmt.Println("chat ready; type a message and press enter (/quit to exit)")
		}
	})
	engine.OnChatMessage(func(entry negotiation.ChatEntry) {
		if entry.Direction == negotiation.DirectionRemote {
			fmt.Printf("peer> %s\n", entry.Text)
		}
	})
	engine.OnRemoteTrack(func(rt negotiation.RemoteTrack) {
		fmt.Printf("receiving remote %s track\n", rt.Track.Kind())
	})
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- strings.TrimSpace(sc.Text())
	}
}

// iceHolder is the latest-value provider handed to the coordinator: the
// relay-assigned server list replaces the settings-derived one at join.
type iceHolder struct {
	mu      sync.Mutex
	servers []webrtc.ICEServer
}

func newICEHolder(servers []webrtc.ICEServer) *iceHolder {
	return &iceHolder{servers: servers}
}

func (h *iceHolder) get() []webrtc.ICEServer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.servers
}

func (h *iceHolder) set(servers []webrtc.ICEServer) {
	h.mu.Lock()
	h.servers = servers
	h.mu.Unlock()
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

package config

import (
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"], "username": "u", "credential": "c"}
	]`
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("servers[0] = %+v", servers[0])
	}
	if len(servers[1].URLs) != 2 || servers[1].Username != "u" {
		t.Fatalf("servers[1] = %+v", servers[1])
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "c" {
		t.Fatalf("credential = %v", servers[1].Credential)
	}
}

func TestParseICEServersJSONRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "stun:foo"},
		{name: "empty urls", raw: `[{"urls": []}]`},
		{name: "bad scheme", raw: `[{"urls": "http://example.com"}]`},
		{name: "turn without username", raw: `[{"urls": "turn:t.example.com", "credential": "c"}]`},
		{name: "turn without credential", raw: `[{"urls": "turn:t.example.com", "username": "u"}]`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseICEServersJSON(tc.raw); err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
		})
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com, stun:b.example.com",
		"turn:t.example.com:3478",
		"user", "pass",
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("stun urls = %v", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Fatalf("turn server = %+v", servers[1])
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:t.example.com", "", ""); err == nil {
		t.Fatalf("turn without credentials must fail")
	}

	servers, err = ParseICEServersFromConvenienceEnv("", "", "", "")
	if err != nil || servers != nil {
		t.Fatalf("empty input: servers=%v err=%v", servers, err)
	}
}

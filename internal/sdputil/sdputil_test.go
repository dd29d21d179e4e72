package sdputil

import (
	"errors"
	"strings"
	"testing"
)

const minimalSDP = "v=0\r\n" +
	"o=- 123 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n"

func TestSanitize_NormalizesLineEndings(t *testing.T) {
	t.Parallel()

	mixed := "v=0\no=- 1 1 IN IP4 127.0.0.1\rs=-\r\n\n  t=0 0  \nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\n"

	got, err := Sanitize(mixed)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}

	want := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n"
	if got != want {
		t.Fatalf("Sanitize=%q, want %q", got, want)
	}
}

func TestSanitize_HoistsMaxMessageSizeIntoApplicationSection(t *testing.T) {
	t.Parallel()

	in := "v=0\n" +
		"o=- 1 1 IN IP4 127.0.0.1\n" +
		"s=-\n" +
		"a=max-message-size:262144\n" +
		"t=0 0\n" +
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\n" +
		"c=IN IP4 0.0.0.0\n" +
		"a=mid:0\n" +
		"a=sctp-port:5000\n"

	got, err := Sanitize(in)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(got, "\r\n"), "\r\n")
	// The attribute must land after m=application, c= and a=mid:.
	var mmsIdx, midIdx int = -1, -1
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "a=max-message-size:"):
			mmsIdx = i
		case strings.HasPrefix(line, "a=mid:"):
			midIdx = i
		}
	}
	if mmsIdx == -1 {
		t.Fatalf("a=max-message-size dropped: %q", got)
	}
	if mmsIdx != midIdx+1 {
		t.Fatalf("a=max-message-size at line %d, want directly after a=mid (line %d)", mmsIdx, midIdx)
	}
}

func TestSanitize_DropsMaxMessageSizeWithoutApplicationSection(t *testing.T) {
	t.Parallel()

	in := "v=0\n" +
		"a=max-message-size:262144\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\n"

	got, err := Sanitize(in)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if strings.Contains(got, "max-message-size") {
		t.Fatalf("attribute should have been dropped: %q", got)
	}
}

func TestSanitize_RejectsEmptyAndMedialess(t *testing.T) {
	t.Parallel()

	if _, err := Sanitize("   \n\t"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err=%v, want ErrEmpty", err)
	}

	noMedia := "v=0\no=- 1 1 IN IP4 127.0.0.1\ns=-\nt=0 0\n"
	if _, err := Sanitize(noMedia); !errors.Is(err, ErrNoMediaSection) {
		t.Fatalf("err=%v, want ErrNoMediaSection", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(minimalSDP); err != nil {
		t.Fatalf("Validate(minimal)=%v, want nil", err)
	}
	if err := Validate(""); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Validate(empty)=%v, want ErrEmpty", err)
	}
	if err := Validate("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"); !errors.Is(err, ErrNoMediaSection) {
		t.Fatalf("Validate(no media)=%v, want ErrNoMediaSection", err)
	}
	if err := Validate("garbage"); err == nil {
		t.Fatalf("Validate(garbage)=nil, want parse error")
	}
}

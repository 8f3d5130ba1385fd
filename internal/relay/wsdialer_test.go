package relay

import "testing"

func TestIsWebSocketRelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri  string
		want bool
	}{
		{"turn:turn.example.com:3478", false},
		{"turns:turn.example.com:5349", false},
		{"stun:stun.example.com:3478", false},
		{"wss://portal.example.com/turn", true},
		{"ws://localhost:8787/turn", true},
	}

	for _, tt := range tests {
		if got := IsWebSocketRelay(tt.uri); got != tt.want {
			t.Errorf("IsWebSocketRelay(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
}

func TestParseTCPAddr_hostPort(t *testing.T) {
	t.Parallel()

	addr := parseTCPAddr("127.0.0.1:3478")
	if addr.Port != 3478 {
		t.Errorf("port = %d, want 3478", addr.Port)
	}
	if addr.IP.String() != "127.0.0.1" {
		t.Errorf("ip = %s, want 127.0.0.1", addr.IP.String())
	}
}

func TestParseTCPAddr_malformed(t *testing.T) {
	t.Parallel()

	addr := parseTCPAddr("not-a-host-port")
	if addr == nil {
		t.Fatal("expected a non-nil fallback address")
	}
}

package relay

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestToICEServers_Stun(t *testing.T) {
	t.Parallel()

	servers := ToICEServers([]Descriptor{{Kind: Stun, URI: "stun:stun.example.com:3478"}})

	if len(servers) != 1 {
		t.Fatalf("len(servers) = %d, want 1", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("URLs[0] = %q, want %q", servers[0].URLs[0], "stun:stun.example.com:3478")
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Error("STUN server should carry no credentials")
	}
}

func TestToICEServers_Turn(t *testing.T) {
	t.Parallel()

	servers := ToICEServers([]Descriptor{{
		Kind:     Turn,
		URI:      "turn:turn.example.com:3478",
		Username: "user",
		Password: "pass",
	}})

	if len(servers) != 1 {
		t.Fatalf("len(servers) = %d, want 1", len(servers))
	}
	s := servers[0]
	if s.Username != "user" {
		t.Errorf("Username = %q, want %q", s.Username, "user")
	}
	if s.Credential != "pass" {
		t.Errorf("Credential = %v, want %q", s.Credential, "pass")
	}
	if s.CredentialType != webrtc.ICECredentialTypePassword {
		t.Errorf("CredentialType = %v, want password", s.CredentialType)
	}
}

func TestToICEServers_Multiple(t *testing.T) {
	t.Parallel()

	servers := ToICEServers([]Descriptor{
		{Kind: Stun, URI: "stun:a"},
		{Kind: Turn, URI: "turn:b", Username: "u", Password: "p"},
	})

	if len(servers) != 2 {
		t.Fatalf("len(servers) = %d, want 2", len(servers))
	}
}

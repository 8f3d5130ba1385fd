// Package relay models the STUN/TURN relay descriptors the portal sends
// down with a connection request, and converts them into the ICE server
// list a WebRTC peer connection needs.
package relay

import "github.com/pion/webrtc/v4"

// Kind discriminates the relay descriptor's tagged union.
type Kind byte

const (
	// Stun relays carry only a URI.
	Stun Kind = iota
	// Turn relays additionally carry credentials.
	Turn
)

// Descriptor is one relay entry from the portal's connection request.
type Descriptor struct {
	Kind     Kind
	URI      string
	Username string
	Password string
}

// ToICEServers converts a list of relay descriptors into the ICE server
// list attached to a webrtc.Configuration. STUN descriptors carry no
// credentials; TURN descriptors use password-credential type, matching
// the relay configuration shape the portal sends.
func ToICEServers(descriptors []Descriptor) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(descriptors))
	for _, d := range descriptors {
		server := webrtc.ICEServer{URLs: []string{d.URI}}
		if d.Kind == Turn {
			server.Username = d.Username
			server.Credential = d.Password
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers
}

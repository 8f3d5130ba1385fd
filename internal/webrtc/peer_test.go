package webrtc

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/kuuji/gatewayd/internal/routing"
)

// newClientOfferer builds a raw pion peer connection simulating the
// client side of the exchange: it creates the data channel and the SDP
// offer, and trickles its ICE candidates onto onCandidate.
func newClientOfferer(t *testing.T, onCandidate func(candidate *pionwebrtc.ICECandidate)) (*pionwebrtc.PeerConnection, *pionwebrtc.DataChannel, string) {
	t.Helper()

	pc, err := pionwebrtc.NewPeerConnection(pionwebrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection() error: %v", err)
	}
	pc.OnICECandidate(onCandidate)

	ordered := false
	maxRetransmits := uint16(0)
	dc, err := pc.CreateDataChannel(DataChannelLabel, &pionwebrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		t.Fatalf("CreateDataChannel() error: %v", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer() error: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription() error: %v", err)
	}

	return pc, dc, offer.SDP
}

// TestPeer_HandleOffer verifies that the gateway answers a client's SDP
// offer and opens a data channel using local ICE candidates (no STUN/TURN
// required).
func TestPeer_HandleOffer(t *testing.T) {
	t.Parallel()

	candidatesForGateway := make(chan *pionwebrtc.ICECandidate, 32)
	candidatesForClient := make(chan *pionwebrtc.ICECandidate, 32)
	dcOpen := make(chan *pionwebrtc.DataChannel, 1)

	clientPC, _, offerSDP := newClientOfferer(t, func(c *pionwebrtc.ICECandidate) {
		if c != nil {
			candidatesForGateway <- c
		}
	})
	defer clientPC.Close()

	gw, err := NewPeer(PeerConfig{
		ConnID: routing.NewClientID(uuid.New()),
		OnICECandidate: func(c *pionwebrtc.ICECandidate) {
			if c != nil {
				candidatesForClient <- c
			}
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dcOpen <- dc
		},
	})
	if err != nil {
		t.Fatalf("NewPeer() error: %v", err)
	}
	defer gw.Close()

	answerSDP, err := gw.HandleOffer(offerSDP)
	if err != nil {
		t.Fatalf("HandleOffer() error: %v", err)
	}
	if answerSDP == "" {
		t.Fatal("HandleOffer() returned empty SDP")
	}

	if err := clientPC.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		t.Fatalf("client SetRemoteDescription() error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for c := range candidatesForGateway {
			if err := gw.AddICECandidate(c.ToJSON().Candidate); err != nil {
				t.Errorf("gw.AddICECandidate() error: %v", err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for c := range candidatesForClient {
			if err := clientPC.AddICECandidate(pionwebrtc.ICECandidateInit{Candidate: c.ToJSON().Candidate}); err != nil {
				t.Errorf("client.AddICECandidate() error: %v", err)
			}
		}
	}()

	select {
	case dc := <-dcOpen:
		if dc.Label() != DataChannelLabel {
			t.Errorf("data channel label = %q, want %q", dc.Label(), DataChannelLabel)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for gateway data channel to open")
	}

	close(candidatesForGateway)
	close(candidatesForClient)
	wg.Wait()
}

// TestPeer_BidirectionalData verifies that bytes sent from either side of
// the data channel reach the other.
func TestPeer_BidirectionalData(t *testing.T) {
	t.Parallel()

	candidatesForGateway := make(chan *pionwebrtc.ICECandidate, 32)
	candidatesForClient := make(chan *pionwebrtc.ICECandidate, 32)
	dcOpen := make(chan *pionwebrtc.DataChannel, 1)

	clientPC, clientDC, offerSDP := newClientOfferer(t, func(c *pionwebrtc.ICECandidate) {
		if c != nil {
			candidatesForGateway <- c
		}
	})
	defer clientPC.Close()

	gw, err := NewPeer(PeerConfig{
		ConnID: routing.NewClientID(uuid.New()),
		OnICECandidate: func(c *pionwebrtc.ICECandidate) {
			if c != nil {
				candidatesForClient <- c
			}
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dcOpen <- dc
		},
	})
	if err != nil {
		t.Fatalf("NewPeer() error: %v", err)
	}
	defer gw.Close()

	answerSDP, err := gw.HandleOffer(offerSDP)
	if err != nil {
		t.Fatalf("HandleOffer() error: %v", err)
	}
	if err := clientPC.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		t.Fatalf("client SetRemoteDescription() error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for c := range candidatesForGateway {
			_ = gw.AddICECandidate(c.ToJSON().Candidate)
		}
	}()
	go func() {
		defer wg.Done()
		for c := range candidatesForClient {
			_ = clientPC.AddICECandidate(pionwebrtc.ICECandidateInit{Candidate: c.ToJSON().Candidate})
		}
	}()

	timeout := time.After(10 * time.Second)

	var gwDC *pionwebrtc.DataChannel
	select {
	case gwDC = <-dcOpen:
	case <-timeout:
		t.Fatal("timed out waiting for gateway data channel")
	}

	receivedByClient := make(chan []byte, 1)
	clientDC.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		receivedByClient <- msg.Data
	})

	msgToClient := []byte("hello from gateway")
	if err := gwDC.Send(msgToClient); err != nil {
		t.Fatalf("gwDC.Send() error: %v", err)
	}

	select {
	case got := <-receivedByClient:
		if string(got) != string(msgToClient) {
			t.Errorf("client received %q, want %q", got, msgToClient)
		}
	case <-timeout:
		t.Fatal("timed out waiting for message on client")
	}

	receivedByGateway := make(chan []byte, 1)
	gwDC.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		receivedByGateway <- msg.Data
	})

	msgToGateway := []byte("hello from client")
	if err := clientDC.Send(msgToGateway); err != nil {
		t.Fatalf("clientDC.Send() error: %v", err)
	}

	select {
	case got := <-receivedByGateway:
		if string(got) != string(msgToGateway) {
			t.Errorf("gateway received %q, want %q", got, msgToGateway)
		}
	case <-timeout:
		t.Fatal("timed out waiting for message on gateway")
	}

	close(candidatesForGateway)
	close(candidatesForClient)
	wg.Wait()
}

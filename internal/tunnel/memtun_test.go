package tunnel

import (
	"testing"
	"time"
)

func TestMemTUN_InjectEgress_ReadByDevice(t *testing.T) {
	t.Parallel()

	m := NewMemTUN(0)
	defer m.Close()

	payload := []byte("plaintext to encrypt")
	m.InjectEgress(payload)

	bufs := [][]byte{make([]byte, 2000)}
	sizes := make([]int, 1)
	n, err := m.Read(bufs, sizes, 0)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Read() n = %d, want 1", n)
	}
	if got := string(bufs[0][:sizes[0]]); got != string(payload) {
		t.Errorf("Read() = %q, want %q", got, payload)
	}
}

func TestMemTUN_Write_DrainedByIngress(t *testing.T) {
	t.Parallel()

	m := NewMemTUN(0)
	defer m.Close()

	payload := []byte("decrypted from peer")
	bufs := [][]byte{payload}

	n, err := m.Write(bufs, 0)
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Write() n = %d, want 1", n)
	}

	select {
	case got := <-m.Ingress():
		if string(got) != string(payload) {
			t.Errorf("Ingress() = %q, want %q", got, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ingress packet")
	}
}

func TestMemTUN_MTU(t *testing.T) {
	t.Parallel()

	m := NewMemTUN(1400)
	defer m.Close()

	mtu, err := m.MTU()
	if err != nil {
		t.Fatalf("MTU() error: %v", err)
	}
	if mtu != 1400 {
		t.Errorf("MTU() = %d, want 1400", mtu)
	}
}

func TestMemTUN_Close_Idempotent(t *testing.T) {
	t.Parallel()

	m := NewMemTUN(0)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestMemTUN_Write_AfterClose(t *testing.T) {
	t.Parallel()

	m := NewMemTUN(0)
	m.Close()

	_, err := m.Write([][]byte{[]byte("x")}, 0)
	if err == nil {
		t.Fatal("Write() after Close() should return an error")
	}
}

func TestMemTUN_EventsUp(t *testing.T) {
	t.Parallel()

	m := NewMemTUN(0)
	defer m.Close()

	select {
	case <-m.Events():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial tun.EventUp")
	}
}

package connection

import (
	"bytes"
	"testing"

	"github.com/ghetzel/tssx/internal/ring"
)

func testOptions() *Options {
	return &Options{
		ServerBufferSize: 16,
		ServerTimeouts:   ring.Timeouts{Read: ring.NoTimeout, Write: ring.NoTimeout},
		ClientBufferSize: 16,
		ClientTimeouts:   ring.Timeouts{Read: ring.NoTimeout, Write: ring.NoTimeout},
	}
}

func TestCreateInitializesOpenCountToOne(t *testing.T) {
	conn, err := Create(testOptions())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer conn.Disconnect()

	if conn.OpenCount() != 1 {
		t.Errorf("expected open_count of 1 after create, got %d", conn.OpenCount())
	}
}

func TestSetupIncrementsOpenCount(t *testing.T) {
	server, err := Create(testOptions())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer server.Disconnect()

	client, err := Setup(server.SegmentID, testOptions())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer client.Disconnect()

	if server.OpenCount() != 2 {
		t.Errorf("expected open_count of 2 after setup, got %d", server.OpenCount())
	}
	if client.OpenCount() != 2 {
		t.Errorf("expected client's view of open_count to be 2, got %d", client.OpenCount())
	}
}

func TestServerWriteClientReadRoundTrip(t *testing.T) {
	server, err := Create(testOptions())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer server.Disconnect()

	client, err := Setup(server.SegmentID, testOptions())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer client.Disconnect()

	message := []byte("hello")
	n, err := server.Buffer(ServerBuffer).Write(message)
	if err != nil || n != len(message) {
		t.Fatalf("server write failed: n=%d err=%v", n, err)
	}

	readback := make([]byte, len(message))
	n, err = client.Buffer(ServerBuffer).Read(readback)
	if err != nil || n != len(message) {
		t.Fatalf("client read failed: n=%d err=%v", n, err)
	}
	if !bytes.Equal(readback, message) {
		t.Fatalf("expected %q, got %q", message, readback)
	}
}

func TestAddUserIncrementsOpenCount(t *testing.T) {
	conn, err := Create(testOptions())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer conn.Disconnect()

	conn.AddUser()

	if conn.OpenCount() != 2 {
		t.Errorf("expected open_count of 2 after AddUser, got %d", conn.OpenCount())
	}
}

func TestDisconnectDestroysSegmentWhenOpenCountReachesZero(t *testing.T) {
	server, err := Create(testOptions())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	client, err := Setup(server.SegmentID, testOptions())
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("client disconnect failed: %v", err)
	}
	if server.OpenCount() != 1 {
		t.Errorf("expected open_count of 1 after first disconnect, got %d", server.OpenCount())
	}

	if err := server.Disconnect(); err != nil {
		t.Fatalf("server disconnect failed: %v", err)
	}
}

func TestDisconnectInvalidatesHandle(t *testing.T) {
	conn, err := Create(testOptions())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	if err := conn.Disconnect(); err == nil {
		t.Errorf("expected second disconnect on an invalidated handle to fail")
	}
}

package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/navlink/internal/command"
	"github.com/e7canasta/navlink/internal/framebuffer"
	"github.com/e7canasta/navlink/internal/igtl"
	"github.com/e7canasta/navlink/internal/types"
)

// testHarness bundles a running server with its collaborators.
type testHarness struct {
	srv       *Server
	buffer    *framebuffer.Buffer
	clock     *framebuffer.Clock
	processor *command.Processor
	port      int
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startTestServer(t *testing.T, defaults igtl.ClientInfo) *testHarness {
	t.Helper()

	buffer := framebuffer.New(0)
	clock := framebuffer.NewClock()
	repo := framebuffer.NewRepository()
	processor := command.NewProcessor()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := processor.Start(ctx); err != nil {
		t.Fatalf("processor start: %v", err)
	}
	t.Cleanup(processor.Stop)

	port := freePort(t)
	srv, err := New(Config{
		ListeningPort:                 port,
		MaxTimeSpentWithProcessingMs:  50,
		MaxNumberOfIgtlMessagesToSend: 100,
		NumberOfRetryAttempts:         2,
		DelayBetweenRetryAttemptsSec:  0.01,
		KeepAliveIntervalSec:          0.2,
		SendValidTransformsOnly:       true,
		LogWarningOnNoDataAvailable:   false,
		ClientSendTimeoutSec:          0.5,
		ClientReceiveTimeoutSec:       0.5,
	}, buffer, repo, clock, processor, defaults)
	if err != nil {
		t.Fatalf("server new: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testHarness{srv: srv, buffer: buffer, clock: clock, processor: processor, port: port}
}

func dialClient(t *testing.T, h *testHarness) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", h.port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one wire message off the client connection.
func readMessage(t *testing.T, conn net.Conn, timeout time.Duration) (igtl.Header, []byte, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	headerBuf := make([]byte, igtl.HeaderSize)
	if _, err := io.ReadFull(conn, headerBuf); err != nil {
		return igtl.Header{}, nil, err
	}
	header, err := igtl.DecodeHeader(headerBuf)
	if err != nil {
		return igtl.Header{}, nil, err
	}
	body := make([]byte, header.BodySize)
	if _, err := io.ReadFull(conn, body); err != nil {
		return igtl.Header{}, nil, err
	}
	return header, body, nil
}

// awaitMessage reads until a message satisfies the predicate.
func awaitMessage(t *testing.T, conn net.Conn, timeout time.Duration, match func(igtl.Header, []byte) bool) (igtl.Header, []byte) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		header, body, err := readMessage(t, conn, time.Until(deadline))
		if err != nil {
			break
		}
		if match(header, body) {
			return header, body
		}
	}
	t.Fatalf("timed out waiting for expected message")
	return igtl.Header{}, nil
}

// TestGetStatusRoundTrip: a GET_STATUS ping is answered with STATUS OK
// carrying the same device name.
func TestGetStatusRoundTrip(t *testing.T) {
	h := startTestServer(t, igtl.ClientInfo{})
	conn := dialClient(t, h)

	ping := igtl.Pack(igtl.HeaderVersion1, igtl.TypeGetStatus, "Ping", igtl.Now(), nil, nil)
	if _, err := conn.Write(ping); err != nil {
		t.Fatalf("write: %v", err)
	}

	header, body := awaitMessage(t, conn, 3*time.Second, func(hd igtl.Header, _ []byte) bool {
		return hd.Type == igtl.TypeStatus && hd.DeviceName == "Ping"
	})
	code, _, err := igtl.DecodeStatus(body)
	if err != nil || code != igtl.StatusOK {
		t.Errorf("status reply: code=%d err=%v (header %+v)", code, err, header)
	}
}

// TestDuplicateLegacyCommand: the second CMD_7 within the dedup window
// is ignored and produces no response.
func TestDuplicateLegacyCommand(t *testing.T) {
	h := startTestServer(t, igtl.ClientInfo{})

	var executions atomic.Int32
	h.processor.Register("Echo", func(map[string]string) (string, error) {
		executions.Add(1)
		return "done", nil
	})

	conn := dialClient(t, h)
	cmd := igtl.PackString(igtl.HeaderVersion1, "CMD_7", igtl.Now(), `<Command Name="Echo" />`)
	if _, err := conn.Write(cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write(cmd); err != nil {
		t.Fatalf("write duplicate: %v", err)
	}

	// The single reply arrives under the ACK_7 device name.
	_, body := awaitMessage(t, conn, 3*time.Second, func(hd igtl.Header, _ []byte) bool {
		return hd.Type == igtl.TypeString && hd.DeviceName == "ACK_7"
	})
	if payload, err := igtl.DecodeString(body); err != nil || payload == "" {
		t.Errorf("reply payload: %q %v", payload, err)
	}

	// Give a would-be second execution time to surface.
	time.Sleep(300 * time.Millisecond)
	if got := executions.Load(); got != 1 {
		t.Errorf("expected exactly 1 execution, got %d", got)
	}
}

// TestKeepAlive: with no data flowing, each connected client receives
// STATUS keep-alives at the configured interval.
func TestKeepAlive(t *testing.T) {
	h := startTestServer(t, igtl.ClientInfo{})
	conn := dialClient(t, h)

	awaitMessage(t, conn, 3*time.Second, func(hd igtl.Header, _ []byte) bool {
		return hd.Type == igtl.TypeStatus && hd.DeviceName == ""
	})

	// And they keep coming.
	awaitMessage(t, conn, 3*time.Second, func(hd igtl.Header, _ []byte) bool {
		return hd.Type == igtl.TypeStatus && hd.DeviceName == ""
	})
}

// TestFrameBroadcast: buffered frames reach a subscribed client as
// TRANSFORM messages with non-decreasing UTC timestamps.
func TestFrameBroadcast(t *testing.T) {
	defaults := igtl.ClientInfo{
		MessageTypes:   []string{igtl.TypeTransform},
		TransformNames: []string{"StylusToTracker"},
	}
	h := startTestServer(t, defaults)
	conn := dialClient(t, h)

	base := h.clock.SystemTime()
	for i := 0; i < 3; i++ {
		h.buffer.Add(types.TrackedFrame{
			// Spaced past the sampling-skip margin applied to the first
			// pull, so at least the later frames are broadcast.
			Timestamp: base + 0.2 + float64(i)*0.2,
			Transforms: []types.ToolTransform{{
				Name:   "StylusToTracker",
				Matrix: types.Identity(),
				Status: types.ToolOK,
			}},
		})
	}

	var last float64
	for i := 0; i < 2; i++ {
		header, _ := awaitMessage(t, conn, 3*time.Second, func(hd igtl.Header, _ []byte) bool {
			return hd.Type == igtl.TypeTransform && hd.DeviceName == "StylusToTracker"
		})
		if header.Timestamp < last {
			t.Errorf("timestamps went backwards: %v after %v", header.Timestamp, last)
		}
		last = header.Timestamp
	}
}

// TestTDATASubscription: STT_TDATA is acked with RTS_TDATA and frames
// start carrying TDATA for the subscription.
func TestTDATASubscription(t *testing.T) {
	defaults := igtl.ClientInfo{
		TransformNames: []string{"StylusToTracker"},
	}
	h := startTestServer(t, defaults)
	conn := dialClient(t, h)

	// STT_TDATA body: resolution 0, coordinate name blank.
	body := make([]byte, 36)
	stt := igtl.Pack(igtl.HeaderVersion1, igtl.TypeSTTTData, "", igtl.Now(), body, nil)
	if _, err := conn.Write(stt); err != nil {
		t.Fatalf("write: %v", err)
	}

	awaitMessage(t, conn, 3*time.Second, func(hd igtl.Header, _ []byte) bool {
		return hd.Type == igtl.TypeRTSTData
	})

	// Two frames: the first may fall inside the sampling-skip margin.
	base := h.clock.SystemTime()
	for i := 0; i < 2; i++ {
		h.buffer.Add(types.TrackedFrame{
			Timestamp: base + 0.2 + float64(i)*0.2,
			Transforms: []types.ToolTransform{{
				Name:   "StylusToTracker",
				Matrix: types.Identity(),
				Status: types.ToolOK,
			}},
		})
	}

	_, tdataBody := awaitMessage(t, conn, 3*time.Second, func(hd igtl.Header, _ []byte) bool {
		return hd.Type == igtl.TypeTData
	})
	if len(tdataBody)%70 != 0 || len(tdataBody) == 0 {
		t.Errorf("TDATA body length %d is not a whole number of elements", len(tdataBody))
	}
}

// TestDeadClientRemoved: a client whose socket dies is dropped from the
// registry while the healthy client keeps receiving.
func TestDeadClientRemoved(t *testing.T) {
	h := startTestServer(t, igtl.ClientInfo{})
	dead := dialClient(t, h)
	healthy := dialClient(t, h)

	waitFor(t, 3*time.Second, func() bool { return h.srv.NumberOfConnectedClients() == 2 })

	dead.Close()

	// Keep-alives hit the dead socket and evict it.
	waitFor(t, 5*time.Second, func() bool { return h.srv.NumberOfConnectedClients() == 1 })

	// The healthy client still gets traffic.
	awaitMessage(t, healthy, 3*time.Second, func(hd igtl.Header, _ []byte) bool {
		return hd.Type == igtl.TypeStatus
	})
}

// TestClientInfoReplacesSubscription: a CLIENTINFO message atomically
// swaps the client's subscription.
func TestClientInfoReplacesSubscription(t *testing.T) {
	h := startTestServer(t, igtl.ClientInfo{})
	conn := dialClient(t, h)

	waitFor(t, 3*time.Second, func() bool { return h.srv.NumberOfConnectedClients() == 1 })

	info := igtl.ClientInfo{
		MessageTypes:   []string{igtl.TypeTransform},
		TransformNames: []string{"ProbeToTracker"},
	}
	if _, err := conn.Write(igtl.EncodeClientInfo(igtl.HeaderVersion1, igtl.Now(), info)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		ids := h.srv.clientIDs()
		if len(ids) != 1 {
			return false
		}
		got, err := h.srv.ClientInfo(ids[0])
		return err == nil && len(got.TransformNames) == 1 && got.TransformNames[0] == "ProbeToTracker"
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

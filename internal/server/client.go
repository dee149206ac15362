package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/navlink/internal/igtl"
)

// clientIDCounter is the process-wide source of client ids.
var clientIDCounter atomic.Int64

// nextClientID returns a fresh monotonically increasing client id.
func nextClientID() int {
	return int(clientIDCounter.Add(1))
}

// Client is one connected subscriber. Mutable fields (Info, header
// version, TDATA watermark) are guarded by the server's clients mutex.
type Client struct {
	// ID is the process-wide client number.
	ID int
	// TraceID correlates this connection's log lines.
	TraceID string

	conn net.Conn

	// Info is the client's subscription.
	Info igtl.ClientInfo
	// HeaderVersion is the negotiated protocol version,
	// min(server, client).
	HeaderVersion uint16
	// lastTDATASent is the wire timestamp of the last TDATA message,
	// used to honor the requested resolution.
	lastTDATASent float64

	// Receiver lifecycle: stop requests the receiver loop to exit, done
	// is closed when it has.
	stop chan struct{}
	done chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
}

// requestStop asks the receiver loop to exit. Safe to call repeatedly.
func (c *Client) requestStop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// closeSocket closes the connection exactly once.
func (c *Client) closeSocket() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// tdataDue reports whether a TDATA message at wireTimestamp respects the
// client's requested resolution (milliseconds; 0 = unpaced).
func (c *Client) tdataDue(wireTimestamp float64) bool {
	if c.Info.Resolution == 0 {
		return true
	}
	return (wireTimestamp-c.lastTDATASent)*1000 >= float64(c.Info.Resolution)
}

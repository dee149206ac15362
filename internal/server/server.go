// Package server is the OpenIGTLink broadcast server: a TCP acceptor, a
// per-client receiver loop for inbound protocol messages, and a single
// data-sender pump that fans tracked frames out to every subscriber.
//
// Goroutine topology while running: one acceptor, one sender, one
// receiver per connected client. Shutdown is cooperative: every loop
// observes the server context at its next I/O boundary.
//
// Lock ordering: the clients mutex is always acquired before the
// response-queue mutex, never the other way around.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/navlink/internal/command"
	"github.com/e7canasta/navlink/internal/framebuffer"
	"github.com/e7canasta/navlink/internal/igtl"
)

// acceptTimeout bounds one accept wait so shutdown is observed promptly.
const acceptTimeout = 500 * time.Millisecond

// Config holds the broadcast server settings.
type Config struct {
	ListeningPort                 int
	MaxTimeSpentWithProcessingMs  float64
	MaxNumberOfIgtlMessagesToSend int
	NumberOfRetryAttempts         int
	DelayBetweenRetryAttemptsSec  float64
	KeepAliveIntervalSec          float64
	MissingInputGracePeriodSec    float64
	SendValidTransformsOnly       bool
	IgtlMessageCrcCheckEnabled    bool
	LogWarningOnNoDataAvailable   bool
	ClientSendTimeoutSec          float64
	ClientReceiveTimeoutSec       float64
}

// Stats is a snapshot of server counters.
type Stats struct {
	ConnectedClients int
	FramesSent       uint64
	MessagesSent     uint64
	KeepAlivesSent   uint64
	Disconnects      uint64
}

// Server owns the client registry and the broadcast machinery.
type Server struct {
	cfg       Config
	buffer    *framebuffer.Buffer
	repo      *framebuffer.Repository
	clock     *framebuffer.Clock
	processor *command.Processor

	// defaultClientInfo is applied to every new connection until the
	// client replaces it.
	defaultClientInfo igtl.ClientInfo

	listener net.Listener

	clientsMu sync.Mutex
	clients   []*Client

	// responseMu guards the per-client outbound message queue. Acquired
	// after clientsMu when both are needed.
	responseMu sync.Mutex
	responses  map[int][][]byte

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	startMu sync.Mutex

	// broadcastStart anchors the missing-input grace period.
	broadcastStart float64

	framesSent     atomic.Uint64
	messagesSent   atomic.Uint64
	keepAlivesSent atomic.Uint64
	disconnects    atomic.Uint64
}

// New assembles a server around the frame buffer and command processor.
func New(cfg Config, buffer *framebuffer.Buffer, repo *framebuffer.Repository, clock *framebuffer.Clock, processor *command.Processor, defaults igtl.ClientInfo) (*Server, error) {
	if cfg.ListeningPort <= 0 {
		return nil, fmt.Errorf("server: listening port is required")
	}
	if cfg.MaxNumberOfIgtlMessagesToSend <= 0 {
		cfg.MaxNumberOfIgtlMessagesToSend = 100
	}
	if cfg.MaxTimeSpentWithProcessingMs <= 0 {
		cfg.MaxTimeSpentWithProcessingMs = 50
	}
	if cfg.KeepAliveIntervalSec <= 0 {
		cfg.KeepAliveIntervalSec = cfg.ClientSendTimeoutSec / 2
		if cfg.KeepAliveIntervalSec <= 0 {
			cfg.KeepAliveIntervalSec = 0.25
		}
	}
	return &Server{
		cfg:               cfg,
		buffer:            buffer,
		repo:              repo,
		clock:             clock,
		processor:         processor,
		defaultClientInfo: defaults,
		responses:         make(map[int][][]byte),
	}, nil
}

// Start binds the listening socket and spawns the acceptor and sender.
func (s *Server) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return fmt.Errorf("server: already started")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ListeningPort))
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", s.cfg.ListeningPort, err)
	}
	s.listener = listener
	s.broadcastStart = s.clock.SystemTime()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(2)
	go s.acceptorLoop(loopCtx)
	go s.senderLoop(loopCtx)

	slog.Info("server: listening", "port", s.cfg.ListeningPort)
	return nil
}

// Stop shuts the server down: the acceptor and sender exit, every client
// is disconnected, and the listener is closed. Idempotent.
func (s *Server) Stop() error {
	s.startMu.Lock()
	if !s.started {
		s.startMu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.startMu.Unlock()

	cancel()
	s.listener.Close()
	s.wg.Wait()

	for _, id := range s.clientIDs() {
		s.DisconnectClient(id)
	}
	slog.Info("server: stopped")
	return nil
}

// acceptorLoop accepts connections until the context is cancelled. Each
// accepted client gets the default subscription, the configured
// timeouts, and its own receiver goroutine.
func (s *Server) acceptorLoop(ctx context.Context) {
	defer s.wg.Done()

	tcpListener, _ := s.listener.(*net.TCPListener)
	for {
		if ctx.Err() != nil {
			return
		}
		if tcpListener != nil {
			tcpListener.SetDeadline(time.Now().Add(acceptTimeout))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Error("server: accept", "error", err)
			continue
		}

		client := &Client{
			ID:            nextClientID(),
			TraceID:       uuid.NewString(),
			conn:          conn,
			Info:          s.defaultClientInfo,
			HeaderVersion: igtl.ServerProtocolVersion,
			stop:          make(chan struct{}),
			done:          make(chan struct{}),
		}

		s.clientsMu.Lock()
		s.clients = append(s.clients, client)
		count := len(s.clients)
		s.clientsMu.Unlock()

		slog.Info("server: client connected",
			"client_id", client.ID,
			"remote", conn.RemoteAddr().String(),
			"trace_id", client.TraceID,
			"connected_clients", count,
		)

		s.wg.Add(1)
		go s.receiverLoop(ctx, client)
	}
}

// QueueMessageResponse enqueues a packed message for delivery to one
// client before the next broadcast batch. Fails when the client is gone.
func (s *Server) QueueMessageResponse(clientID int, message []byte) error {
	if s.findClient(clientID) == nil {
		return fmt.Errorf("server: client %d not found in list", clientID)
	}
	s.responseMu.Lock()
	defer s.responseMu.Unlock()
	s.responses[clientID] = append(s.responses[clientID], message)
	return nil
}

// findClient returns the client record for an id, or nil.
func (s *Server) findClient(clientID int) *Client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for _, c := range s.clients {
		if c.ID == clientID {
			return c
		}
	}
	return nil
}

// clientIDs snapshots the ids of all connected clients.
func (s *Server) clientIDs() []int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	ids := make([]int, len(s.clients))
	for i, c := range s.clients {
		ids[i] = c.ID
	}
	return ids
}

// NumberOfConnectedClients returns the registry size.
func (s *Server) NumberOfConnectedClients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// ClientInfo returns a copy of a client's subscription.
func (s *Server) ClientInfo(clientID int) (igtl.ClientInfo, error) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for _, c := range s.clients {
		if c.ID == clientID {
			return c.Info, nil
		}
	}
	return igtl.ClientInfo{}, fmt.Errorf("server: client %d not found", clientID)
}

// DisconnectClient stops a client's receiver, closes its socket exactly
// once, and removes it from the registry. Safe to call for ids that are
// already gone.
func (s *Server) DisconnectClient(clientID int) {
	client := s.findClient(clientID)
	if client == nil {
		return
	}

	// Ask the receiver to exit; closing the socket unblocks a pending
	// read immediately.
	client.requestStop()
	client.closeSocket()
	<-client.done

	s.clientsMu.Lock()
	for i, c := range s.clients {
		if c.ID == clientID {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	// Drop any responses still queued for it.
	s.responseMu.Lock()
	delete(s.responses, clientID)
	s.responseMu.Unlock()

	s.disconnects.Add(1)
	slog.Info("server: client disconnected",
		"client_id", clientID,
		"trace_id", client.TraceID,
		"connected_clients", count,
	)
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	return Stats{
		ConnectedClients: s.NumberOfConnectedClients(),
		FramesSent:       s.framesSent.Load(),
		MessagesSent:     s.messagesSent.Load(),
		KeepAlivesSent:   s.keepAlivesSent.Load(),
		Disconnects:      s.disconnects.Load(),
	}
}

// gracePeriodExpired reports whether "no data yet" should be a warning
// rather than expected startup silence.
func (s *Server) gracePeriodExpired() bool {
	return s.clock.SystemTime()-s.broadcastStart > s.cfg.MissingInputGracePeriodSec
}

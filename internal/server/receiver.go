package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/e7canasta/navlink/internal/command"
	"github.com/e7canasta/navlink/internal/igtl"
)

const (
	// receiverIdleSleep is the wait after a short or empty read. Idle
	// reads never disconnect a client; the send path is the
	// authoritative disconnect detector.
	receiverIdleSleep = 100 * time.Millisecond
	// recentCommandWindow is the per-client duplicate-UID window.
	recentCommandWindow = 10
	// maxBodySize rejects absurd body sizes before allocating.
	maxBodySize = 32 << 20
	// serverDeviceName labels messages originated by the server itself.
	serverDeviceName = "navlink"
)

// receiverLoop reads and dispatches inbound messages for one client
// until the client is disconnected or the server stops.
func (s *Server) receiverLoop(ctx context.Context, client *Client) {
	defer s.wg.Done()
	defer close(client.done)

	// UIDs of recently seen commands, for duplicate suppression.
	var recentUIDs []uint32
	seenUID := func(uid uint32) bool {
		for _, u := range recentUIDs {
			if u == uid {
				return true
			}
		}
		recentUIDs = append(recentUIDs, uid)
		if len(recentUIDs) > recentCommandWindow {
			recentUIDs = recentUIDs[1:]
		}
		return false
	}

	headerBuf := make([]byte, igtl.HeaderSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.stop:
			return
		default:
		}

		if s.cfg.ClientReceiveTimeoutSec > 0 {
			client.conn.SetReadDeadline(time.Now().Add(
				time.Duration(s.cfg.ClientReceiveTimeoutSec * float64(time.Second))))
		}
		if _, err := io.ReadFull(client.conn, headerBuf); err != nil {
			if stopped(ctx, client) {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// Idle or broken link; keep waiting, the send path decides.
			time.Sleep(receiverIdleSleep)
			continue
		}

		header, err := igtl.DecodeHeader(headerBuf)
		if err != nil {
			slog.Error("server: unparseable message header, dropping client",
				"client_id", client.ID, "error", err)
			client.closeSocket()
			return
		}
		if header.BodySize > maxBodySize {
			slog.Error("server: message body too large, dropping client",
				"client_id", client.ID, "type", header.Type, "body_size", header.BodySize)
			client.closeSocket()
			return
		}

		body := make([]byte, header.BodySize)
		if _, err := io.ReadFull(client.conn, body); err != nil {
			if stopped(ctx, client) {
				return
			}
			time.Sleep(receiverIdleSleep)
			continue
		}

		if s.cfg.IgtlMessageCrcCheckEnabled {
			if err := header.VerifyCRC(body); err != nil {
				slog.Warn("server: inbound message failed CRC check",
					"client_id", client.ID, "type", header.Type, "error", err)
				continue
			}
		}

		// Track the peer's protocol version; the negotiated version is
		// the lower of the two.
		s.clientsMu.Lock()
		if header.Version < client.HeaderVersion {
			client.HeaderVersion = header.Version
		}
		negotiated := client.HeaderVersion
		s.clientsMu.Unlock()

		content, meta, err := igtl.SplitBody(header.Version, body)
		if err != nil {
			slog.Warn("server: malformed message body",
				"client_id", client.ID, "type", header.Type, "error", err)
			continue
		}

		switch header.Type {
		case igtl.TypeClientInfo:
			info, err := igtl.DecodeClientInfo(content)
			if err != nil {
				slog.Warn("server: bad client info", "client_id", client.ID, "error", err)
				continue
			}
			s.clientsMu.Lock()
			client.Info = info
			s.clientsMu.Unlock()
			slog.Debug("server: client info replaced", "client_id", client.ID,
				"message_types", info.MessageTypes, "transforms", len(info.TransformNames))

		case igtl.TypeGetStatus:
			// A ping; answer on the spot with the same device name.
			reply := igtl.PackStatus(negotiated, header.DeviceName, igtl.Now(), igtl.StatusOK, "", "")
			if _, err := client.conn.Write(reply); err != nil {
				slog.Debug("server: status reply failed", "client_id", client.ID, "error", err)
			}

		case igtl.TypeString:
			if !command.IsCommandDeviceName(header.DeviceName) {
				continue
			}
			s.handleLegacyCommand(client, header, content, seenUID)

		case igtl.TypeCommand:
			cmd, err := igtl.DecodeCommand(content)
			if err != nil {
				slog.Warn("server: bad command message", "client_id", client.ID, "error", err)
				continue
			}
			if seenUID(cmd.ID) {
				slog.Warn("server: repeated command ignored",
					"client_id", client.ID, "uid", cmd.ID)
				continue
			}
			s.queueCommand(command.Request{
				V3:         true,
				ClientID:   client.ID,
				Name:       cmd.Name,
				Content:    cmd.Content,
				DeviceName: header.DeviceName,
				UID:        cmd.ID,
			})

		case igtl.TypeSTTTData:
			resolution, _, err := igtl.DecodeSTTTData(content)
			if err != nil {
				slog.Warn("server: bad STT_TDATA", "client_id", client.ID, "error", err)
				continue
			}
			s.clientsMu.Lock()
			client.Info.Resolution = resolution
			client.Info.TDATARequested = true
			s.clientsMu.Unlock()
			s.QueueMessageResponse(client.ID, igtl.PackRTSTData(negotiated, igtl.Now(), 0))

		case igtl.TypeSTPTData:
			s.clientsMu.Lock()
			client.Info.TDATARequested = false
			s.clientsMu.Unlock()
			s.QueueMessageResponse(client.ID, igtl.PackRTSTData(negotiated, igtl.Now(), 0))

		case igtl.TypeGetPolyData:
			s.handleGetPolyData(client, header, meta, negotiated)

		case igtl.TypeStatus:
			// Client-side keep-alive; nothing to do.

		default:
			slog.Warn("server: unknown message type skipped",
				"client_id", client.ID, "type", header.Type, "device", header.DeviceName)
		}
	}
}

// handleLegacyCommand processes a STRING message following the CMD_<uid>
// device-name convention.
func (s *Server) handleLegacyCommand(client *Client, header igtl.Header, content []byte, seenUID func(uint32) bool) {
	payload, err := igtl.DecodeString(content)
	if err != nil {
		slog.Warn("server: bad command string", "client_id", client.ID, "error", err)
		return
	}

	uid, err := command.UIDFromDeviceName(header.DeviceName)
	if err != nil {
		slog.Error("server: unable to extract command UID from device name",
			"client_id", client.ID, "device", header.DeviceName)
		reply := `<CommandReply Status="FAIL" Message="Malformed DeviceName. Expected CMD_cmdId (ex: CMD_001)" />`
		s.QueueMessageResponse(client.ID,
			igtl.PackString(igtl.HeaderVersion1, command.ErrorReplyDeviceName, igtl.Now(), reply))
		return
	}
	if seenUID(uid) {
		slog.Warn("server: repeated command ignored", "client_id", client.ID, "uid", uid)
		return
	}

	name, _, err := command.ParseCommandElement(payload)
	if err != nil {
		slog.Warn("server: unparseable command payload", "client_id", client.ID, "error", err)
		return
	}
	s.queueCommand(command.Request{
		V3:         false,
		ClientID:   client.ID,
		Name:       name,
		Content:    payload,
		DeviceName: command.PrefixFromDeviceName(header.DeviceName),
		UID:        uid,
	})
}

// queueCommand hands a request to the processor, replying with a failure
// when the queue is saturated.
func (s *Server) queueCommand(req command.Request) {
	if err := s.processor.Queue(req); err != nil {
		slog.Warn("server: command queue full", "client_id", req.ClientID, "name", req.Name)
		s.processor.QueueResponse(command.Response{
			ClientID:   req.ClientID,
			V3:         req.V3,
			UID:        req.UID,
			DeviceName: req.DeviceName,
			Name:       req.Name,
			ErrorText:  "server busy, command dropped",
		})
	}
}

// handleGetPolyData resolves the requested file from the metadata (v2+)
// or the device name, and queues either the POLYDATA or a failure ack.
func (s *Server) handleGetPolyData(client *Client, header igtl.Header, meta map[string]string, version uint16) {
	fileName := meta["filename"]
	if fileName == "" {
		fileName = header.DeviceName
	}
	if fileName == "" {
		slog.Error("server: GetPolyData without a filename in metadata or device name",
			"client_id", client.ID)
		s.QueueMessageResponse(client.ID,
			igtl.PackRTSPolyData(version, serverDeviceName, igtl.Now(), 1))
		return
	}

	pd, err := igtl.ReadPolyDataFile(fileName)
	if err != nil {
		slog.Error("server: read polydata", "client_id", client.ID, "file", fileName, "error", err)
		s.QueueMessageResponse(client.ID,
			igtl.PackRTSPolyData(version, serverDeviceName, igtl.Now(), 1))
		return
	}

	replyMeta := map[string]string{"fileName": fileName}
	s.QueueMessageResponse(client.ID,
		igtl.PackPolyData(version, serverDeviceName, igtl.Now(), pd, replyMeta))
}

// stopped reports whether the receiver was asked to exit.
func stopped(ctx context.Context, client *Client) bool {
	select {
	case <-ctx.Done():
		return true
	case <-client.stop:
		return true
	default:
		return false
	}
}

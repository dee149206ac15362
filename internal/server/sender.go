package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/e7canasta/navlink/internal/command"
	"github.com/e7canasta/navlink/internal/igtl"
	"github.com/e7canasta/navlink/internal/types"
)

const (
	// idleSleep is the wait when no client is connected.
	idleSleep = 200 * time.Millisecond
	// noNewFramesSleep is the wait when the buffer produced nothing.
	noNewFramesSleep = 5 * time.Millisecond
	// samplingSkipMarginSec is added to the buffer's oldest timestamp
	// when the pump fell behind a wrapped ring, leaving room to pull the
	// next batch before it is overwritten too.
	samplingSkipMarginSec = 0.1
)

// senderLoop is the single broadcast pump. Each cycle drains queued
// message responses, then command responses, then pulls new frames from
// the buffer and fans them out; idle cycles emit keep-alives.
func (s *Server) senderLoop(ctx context.Context) {
	defer s.wg.Done()

	// Resume from the newest data rather than replaying the buffer.
	var watermark float64
	if ts, ok := s.buffer.MostRecentTimestamp(); ok {
		watermark = ts
	}

	lastPerFrameMs := -1.0
	elapsedSinceLastPacketSec := 0.0

	for ctx.Err() == nil {
		if s.NumberOfConnectedClients() == 0 {
			// Reset the watermark: the next client's first pull skips
			// ahead to the oldest retained frame plus the sampling-skip
			// margin.
			watermark = 0
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
			continue
		}

		s.sendMessageResponses()
		// Command replies go out before any frame acquired after the
		// command finished executing.
		s.sendCommandResponses()
		s.sendLatestFrames(&watermark, &lastPerFrameMs, &elapsedSinceLastPacketSec)
	}
}

// sendMessageResponses drains the per-client response queue (command
// acks, TDATA acks, polydata replies).
func (s *Server) sendMessageResponses() {
	s.clientsMu.Lock()
	s.responseMu.Lock()
	queued := s.responses
	s.responses = make(map[int][][]byte)
	s.responseMu.Unlock()

	var failed []int
	for clientID, messages := range queued {
		var client *Client
		for _, c := range s.clients {
			if c.ID == clientID {
				client = c
				break
			}
		}
		if client == nil {
			slog.Warn("server: dropping queued replies for departed client", "client_id", clientID)
			continue
		}
		for _, message := range messages {
			if !s.sendWithRetry(client, message) {
				failed = append(failed, clientID)
				break
			}
		}
	}
	s.clientsMu.Unlock()

	for _, id := range failed {
		s.DisconnectClient(id)
	}
}

// sendCommandResponses serializes finished command executions into wire
// messages for their originating clients.
func (s *Server) sendCommandResponses() {
	for _, resp := range s.processor.PopResponses() {
		message := s.messageFromCommandResponse(resp)
		if err := s.QueueMessageResponse(resp.ClientID, message); err != nil {
			slog.Warn("server: command reply cannot be delivered, client disconnected",
				"client_id", resp.ClientID)
			continue
		}
	}
	// Deliver immediately so a reply precedes any later frame.
	s.sendMessageResponses()
}

// messageFromCommandResponse builds the reply message for one command
// response: a STRING for legacy commands, an RTS_COMMAND for v3.
func (s *Server) messageFromCommandResponse(resp command.Response) []byte {
	timestamp := s.clock.UniversalFromSystem(s.clock.SystemTime())

	// Image-bearing responses go out as IMAGE / IMGMETA regardless of
	// the command style that produced them.
	if resp.Image != nil {
		if resp.Image.DeviceName == "" {
			resp.Image.DeviceName = serverDeviceName + "Image"
		}
		message, err := igtl.PackImage(igtl.HeaderVersion1, timestamp, *resp.Image)
		if err == nil {
			return message
		}
		slog.Warn("server: image response could not be packed", "error", err)
		resp.Success = false
		resp.ErrorText = err.Error()
	}
	if len(resp.ImageMeta) > 0 {
		return igtl.PackImageMeta(igtl.HeaderVersion1, serverDeviceName+"ImageMetaData", timestamp, resp.ImageMeta)
	}

	if !resp.V3 {
		status := "FAIL"
		text := resp.ErrorText
		if resp.Success {
			status = "SUCCESS"
			text = resp.Message
		}
		payload := `<CommandReply Status="` + status + `" Message="` + xmlEscape(text) + `" />`
		return igtl.PackString(igtl.HeaderVersion1, command.ReplyDeviceName(resp.UID), timestamp, payload)
	}

	result := "<Command><Result>" + boolText(resp.Success) + "</Result>"
	if !resp.Success {
		result += "<Error>" + xmlEscape(resp.ErrorText) + "</Error>"
	}
	result += "<Message>" + xmlEscape(resp.Message) + "</Message></Command>"
	return igtl.PackRTSCommand(igtl.HeaderVersion2, resp.DeviceName, timestamp, resp.UID, resp.Name, result, resp.Parameters)
}

// sendLatestFrames pulls and broadcasts the frames accumulated since the
// watermark. The pull size adapts to the measured per-frame processing
// cost, bounded by the configured message budget.
func (s *Server) sendLatestFrames(watermark, lastPerFrameMs, elapsedSinceLastPacketSec *float64) {
	startSec := s.clock.SystemTime()

	if *lastPerFrameMs < 1 {
		// Below 1 ms/frame the division would ask for absurd batch
		// sizes; clamp to the budget.
		*lastPerFrameMs = 1
	}
	framesToGet := int(s.cfg.MaxTimeSpentWithProcessingMs / *lastPerFrameMs)
	if framesToGet < 1 {
		framesToGet = 1
	}
	if framesToGet > s.cfg.MaxNumberOfIgtlMessagesToSend {
		framesToGet = s.cfg.MaxNumberOfIgtlMessagesToSend
	}

	if oldest, ok := s.buffer.OldestTimestamp(); ok && *watermark < oldest {
		slog.Info("server: broadcast fell behind the buffer, skipping ahead",
			"watermark", *watermark, "oldest", oldest)
		*watermark = oldest + samplingSkipMarginSec
	}

	frames := s.buffer.FramesSince(*watermark, framesToGet)
	if len(frames) == 0 {
		if s.buffer.Len() == 0 && s.cfg.LogWarningOnNoDataAvailable {
			if s.gracePeriodExpired() {
				slog.Warn("server: no data is broadcast, no data is available")
			} else {
				slog.Debug("server: no data is broadcast, no data is available yet")
			}
		}
		time.Sleep(noNewFramesSleep)
		*elapsedSinceLastPacketSec += s.clock.SystemTime() - startSec

		if *elapsedSinceLastPacketSec > s.cfg.KeepAliveIntervalSec {
			s.keepAlive()
			*elapsedSinceLastPacketSec = 0
		}
		return
	}

	for i := range frames {
		s.sendTrackedFrame(&frames[i])
		*watermark = frames[i].Timestamp
		*elapsedSinceLastPacketSec = 0
	}

	computationMs := (s.clock.SystemTime() - startSec) * 1000
	*lastPerFrameMs = computationMs / float64(len(frames))
}

// sendTrackedFrame fans one frame out to every client according to its
// subscription. Clients whose socket dies are removed after the fan-out.
func (s *Server) sendTrackedFrame(frame *types.TrackedFrame) {
	s.repo.SetTransforms(frame)

	wireFrame := *frame
	wireFrame.Timestamp = s.clock.UniversalFromSystem(frame.Timestamp)

	var failed []int
	s.clientsMu.Lock()
	for _, client := range s.clients {
		tdataDue := client.tdataDue(wireFrame.Timestamp)
		messages := igtl.PackTrackedFrame(
			client.HeaderVersion, &client.Info, &wireFrame,
			s.cfg.SendValidTransformsOnly, s.repo, tdataDue,
		)
		delivered := true
		for _, message := range messages {
			if !s.sendWithRetry(client, message) {
				failed = append(failed, client.ID)
				delivered = false
				break
			}
		}
		if delivered && client.Info.TDATARequested && tdataDue && len(messages) > 0 {
			client.lastTDATASent = wireFrame.Timestamp
		}
	}
	s.clientsMu.Unlock()

	s.framesSent.Add(1)
	for _, id := range failed {
		s.DisconnectClient(id)
	}
}

// keepAlive broadcasts a no-op STATUS to every client so dead
// connections surface even when no data flows.
func (s *Server) keepAlive() {
	timestamp := s.clock.UniversalFromSystem(s.clock.SystemTime())

	var failed []int
	s.clientsMu.Lock()
	for _, client := range s.clients {
		message := igtl.PackStatus(client.HeaderVersion, "", timestamp, igtl.StatusOK, "", "")
		if !s.sendWithRetry(client, message) {
			failed = append(failed, client.ID)
		}
	}
	s.clientsMu.Unlock()

	s.keepAlivesSent.Add(1)
	for _, id := range failed {
		s.DisconnectClient(id)
	}
}

// sendWithRetry writes one message to a client, making up to the
// configured number of attempts in total, spaced by the configured delay.
// Returns false when the client must be treated as disconnected.
func (s *Server) sendWithRetry(client *Client, message []byte) bool {
	attempts := s.cfg.NumberOfRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(s.cfg.DelayBetweenRetryAttemptsSec * float64(time.Second))

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && delay > 0 {
			time.Sleep(delay)
		}
		if s.cfg.ClientSendTimeoutSec > 0 {
			client.conn.SetWriteDeadline(time.Now().Add(
				time.Duration(s.cfg.ClientSendTimeoutSec * float64(time.Second))))
		}
		_, err := client.conn.Write(message)
		if err == nil {
			s.messagesSent.Add(1)
			return true
		}
	}
	slog.Info("server: client send failed after retries, treating as disconnected",
		"client_id", client.ID, "trace_id", client.TraceID)
	return false
}

func boolText(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// xmlEscape escapes the characters that would break an XML payload.
var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}

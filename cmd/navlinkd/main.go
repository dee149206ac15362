// navlinkd bridges an NDI optical tracker to OpenIGTLink clients: it
// polls pose frames over the serial link and broadcasts them over TCP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/e7canasta/navlink/internal/command"
	"github.com/e7canasta/navlink/internal/config"
	"github.com/e7canasta/navlink/internal/framebuffer"
	"github.com/e7canasta/navlink/internal/igtl"
	"github.com/e7canasta/navlink/internal/ndi"
	"github.com/e7canasta/navlink/internal/server"
	"github.com/e7canasta/navlink/internal/telemetry"
)

const defaultConfigPath = "config/navlink.yaml"

// trackerChannelID is the single output channel this daemon offers.
const trackerChannelID = "Tracker"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting navlink", "config", *configPath, "debug", *debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("navlink failed", "error", err)
		os.Exit(1)
	}
	slog.Info("navlink stopped")
}

func run(cfg *config.Config) error {
	// The tracker publishes on a single channel; an explicitly requested
	// channel id must name it.
	switch cfg.Server.OutputChannelID {
	case "", trackerChannelID:
		slog.Info("broadcasting channel resolved", "channel_id", trackerChannelID)
	default:
		return fmt.Errorf("output channel %q not found (available: %s)", cfg.Server.OutputChannelID, trackerChannelID)
	}

	clock := framebuffer.NewClock()
	buffer := framebuffer.New(0)
	repo := framebuffer.NewRepository()

	tracker, err := ndi.New(trackerConfig(cfg), buffer, clock)
	if err != nil {
		return err
	}

	processor := command.NewProcessor()
	srv, err := server.New(serverConfig(cfg), buffer, repo, clock, processor, defaultClientInfo(cfg))
	if err != nil {
		return err
	}
	registerCommands(processor, tracker, srv, buffer)

	var emitter *telemetry.Emitter
	if cfg.Telemetry.Broker != "" {
		emitter, err = telemetry.New(telemetry.Config{
			Broker:   cfg.Telemetry.Broker,
			Topic:    cfg.Telemetry.Topic,
			Interval: time.Duration(cfg.Telemetry.IntervalSec * float64(time.Second)),
			Encoding: cfg.Telemetry.Encoding,
			ClientID: cfg.Telemetry.ClientID,
		}, func() interface{} {
			return statusSnapshot(tracker, srv, buffer)
		})
		if err != nil {
			return err
		}
	}

	// Bring the tracker up before any serving thread starts: a failed
	// probe aborts with nothing to unwind.
	if err := tracker.Probe(); err != nil {
		return err
	}
	if err := tracker.Connect(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := processor.Start(ctx); err != nil {
		tracker.Disconnect()
		return err
	}
	if err := tracker.StartTracking(ctx); err != nil {
		processor.Stop()
		tracker.Disconnect()
		return err
	}
	if err := srv.Start(ctx); err != nil {
		tracker.StopTracking()
		processor.Stop()
		tracker.Disconnect()
		return err
	}
	if emitter != nil {
		if err := emitter.Start(ctx); err != nil {
			slog.Warn("telemetry disabled", "error", err)
			emitter = nil
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig.String())

	cancel()
	if emitter != nil {
		emitter.Stop()
	}
	srv.Stop()
	tracker.StopTracking()
	processor.Stop()
	tracker.Disconnect()
	return nil
}

func trackerConfig(cfg *config.Config) ndi.Config {
	out := ndi.Config{
		SerialPort:              cfg.Tracker.SerialPort,
		BaudRate:                cfg.Tracker.BaudRate,
		MeasurementVolumeNumber: cfg.Tracker.MeasurementVolumeNumber,
		MaxNumberOfStrays:       cfg.Tracker.MaxNumberOfStrays,
		ReferenceFrame:          cfg.Tracker.ReferenceFrame,
		StrayReferenceFrame:     cfg.Tracker.StrayReferenceFrame,
		AcquisitionRateHz:       cfg.Tracker.AcquisitionRateHz,
	}
	for _, tool := range cfg.Tools {
		wiredPort := -1
		if tool.PortName != nil {
			wiredPort = *tool.PortName
		}
		out.Tools = append(out.Tools, ndi.ToolSource{
			ID:              tool.ID,
			WiredPortNumber: wiredPort,
			RomFile:         tool.RomFile,
		})
	}
	return out
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		ListeningPort:                 cfg.Server.ListeningPort,
		MaxTimeSpentWithProcessingMs:  cfg.Server.MaxTimeSpentWithProcessingMs,
		MaxNumberOfIgtlMessagesToSend: cfg.Server.MaxNumberOfIgtlMessagesToSend,
		NumberOfRetryAttempts:         cfg.Server.NumberOfRetryAttempts,
		DelayBetweenRetryAttemptsSec:  cfg.Server.DelayBetweenRetryAttemptsSec,
		KeepAliveIntervalSec:          cfg.Server.KeepAliveIntervalSec,
		MissingInputGracePeriodSec:    cfg.Server.MissingInputGracePeriodSec,
		SendValidTransformsOnly:       cfg.Server.SendValidTransformsOnly == nil || *cfg.Server.SendValidTransformsOnly,
		IgtlMessageCrcCheckEnabled:    cfg.Server.IgtlMessageCrcCheckEnabled,
		LogWarningOnNoDataAvailable:   cfg.Server.LogWarningOnNoDataAvailable == nil || *cfg.Server.LogWarningOnNoDataAvailable,
		ClientSendTimeoutSec:          cfg.Server.ClientSendTimeoutSec,
		ClientReceiveTimeoutSec:       cfg.Server.ClientReceiveTimeoutSec,
	}
}

// defaultClientInfo builds the subscription applied to new clients. With
// stray tracking enabled, the stray transforms are synthesized into it.
func defaultClientInfo(cfg *config.Config) igtl.ClientInfo {
	info := igtl.ClientInfo{
		MessageTypes:   append([]string(nil), cfg.Defaults.MessageTypes...),
		TransformNames: append([]string(nil), cfg.Defaults.TransformNames...),
		StringNames:    append([]string(nil), cfg.Defaults.StringNames...),
	}
	for _, name := range cfg.Defaults.ImageStreams {
		info.ImageStreams = append(info.ImageStreams, igtl.ImageStream{Name: name})
	}
	for i := 1; i <= cfg.Tracker.MaxNumberOfStrays; i++ {
		info.TransformNames = append(info.TransformNames,
			fmt.Sprintf("Stray%02dTo%s", i, strayReferenceFrame(cfg)))
	}
	return info
}

func strayReferenceFrame(cfg *config.Config) string {
	if cfg.Tracker.StrayReferenceFrame == "" {
		return "Tracker"
	}
	return cfg.Tracker.StrayReferenceFrame
}

// registerCommands binds the remote command registry to the running
// components.
func registerCommands(processor *command.Processor, tracker *ndi.Tracker, srv *server.Server, buffer *framebuffer.Buffer) {
	processor.Register("GetStatus", func(attrs map[string]string) (string, error) {
		trackerStats := tracker.Stats()
		serverStats := srv.Stats()
		bufferStats := buffer.Stats()
		return fmt.Sprintf(
			"state=%s version=%q clients=%d framesAcquired=%d framesSent=%d buffered=%d",
			trackerStats.State, trackerStats.Version,
			serverStats.ConnectedClients, trackerStats.FramesAcquired,
			serverStats.FramesSent, bufferStats.Buffered,
		), nil
	})

	processor.Register("Beep", func(attrs map[string]string) (string, error) {
		count := 1
		if v, ok := attrs["NumberOfBeeps"]; ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return "", fmt.Errorf("invalid NumberOfBeeps %q", v)
			}
			count = parsed
		}
		if err := tracker.Beep(count); err != nil {
			return "", err
		}
		return fmt.Sprintf("beeped %d time(s)", count), nil
	})

	processor.Register("SetToolLED", func(attrs map[string]string) (string, error) {
		toolID := attrs["ToolId"]
		if toolID == "" {
			return "", fmt.Errorf("missing ToolId attribute")
		}
		led := 0
		if v, ok := attrs["Led"]; ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return "", fmt.Errorf("invalid Led %q", v)
			}
			led = parsed
		}
		var state ndi.LEDState
		switch attrs["State"] {
		case "", "Off":
			state = ndi.LEDOff
		case "On":
			state = ndi.LEDOn
		case "Flash":
			state = ndi.LEDFlash
		default:
			return "", fmt.Errorf("unsupported LED state %q", attrs["State"])
		}
		if err := tracker.SetToolLED(toolID, led, state); err != nil {
			return "", err
		}
		return "LED state updated", nil
	})
}

// statusSnapshot is the telemetry payload.
func statusSnapshot(tracker *ndi.Tracker, srv *server.Server, buffer *framebuffer.Buffer) interface{} {
	return map[string]interface{}{
		"tracker": tracker.Stats(),
		"server":  srv.Stats(),
		"buffer":  buffer.Stats(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
}

package command

import (
	"context"
	"testing"
	"time"
)

// waitResponses polls the processor until n responses have accumulated.
func waitResponses(t *testing.T, p *Processor, n int) []Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var out []Response
	for time.Now().Before(deadline) {
		out = append(out, p.PopResponses()...)
		if len(out) >= n {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d responses, got %d", n, len(out))
	return nil
}

func TestExecuteRegisteredCommand(t *testing.T) {
	p := NewProcessor()
	p.Register("Beep", func(attrs map[string]string) (string, error) {
		if attrs["NumberOfBeeps"] != "2" {
			t.Errorf("attrs: %v", attrs)
		}
		return "beeped", nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	err := p.Queue(Request{
		ClientID: 7, Name: "Beep", UID: 3,
		Content: `<Command Name="Beep" NumberOfBeeps="2" />`,
	})
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	resp := waitResponses(t, p, 1)[0]
	if !resp.Success || resp.Message != "beeped" || resp.ClientID != 7 || resp.UID != 3 {
		t.Errorf("response: %+v", resp)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	p := NewProcessor()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.Queue(Request{ClientID: 1, Name: "Nope", Content: `<Command Name="Nope" />`})
	resp := waitResponses(t, p, 1)[0]
	if resp.Success {
		t.Error("unknown command reported success")
	}
	if resp.ErrorText == "" {
		t.Error("expected an error text")
	}
}

func TestDeviceNameConvention(t *testing.T) {
	if !IsCommandDeviceName("CMD_7") || !IsCommandDeviceName("CMD") {
		t.Error("CMD names not recognized")
	}
	if IsCommandDeviceName("StylusToTracker") {
		t.Error("plain device name misclassified as a command")
	}

	uid, err := UIDFromDeviceName("CMD_123")
	if err != nil || uid != 123 {
		t.Errorf("uid: %d %v", uid, err)
	}
	if _, err := UIDFromDeviceName("CMD_xyz"); err == nil {
		t.Error("malformed uid accepted")
	}
	if _, err := UIDFromDeviceName("CMD"); err == nil {
		t.Error("missing uid accepted")
	}

	if got := ReplyDeviceName(7); got != "ACK_7" {
		t.Errorf("reply device name: %q", got)
	}
	if got := PrefixFromDeviceName("CMD_7"); got != "CMD" {
		t.Errorf("prefix: %q", got)
	}
}

func TestParseCommandElement(t *testing.T) {
	name, attrs, err := ParseCommandElement(`<Command Name="SetToolLED" ToolId="Stylus" Led="1" />`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name != "SetToolLED" || attrs["ToolId"] != "Stylus" || attrs["Led"] != "1" {
		t.Errorf("parsed: %q %v", name, attrs)
	}
	if _, _, err := ParseCommandElement("not xml at all <<"); err == nil {
		t.Error("garbage accepted")
	}
}

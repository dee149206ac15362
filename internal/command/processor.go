// Package command executes remote commands received over the wire and
// hands the responses back for delivery by the broadcast pump.
//
// Receivers enqueue requests (already deduplicated per client); a small
// worker pool executes them against a registry of named handlers; the
// sender drains tagged responses each broadcast cycle.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/e7canasta/navlink/internal/igtl"
)

// queueCapacity bounds the number of commands waiting for a worker.
const queueCapacity = 64

// workerCount is the size of the execution pool.
const workerCount = 2

// Request is one remote command to execute.
type Request struct {
	// V3 marks commands received as COMMAND messages; false means the
	// legacy STRING convention.
	V3 bool
	// ClientID is the originating client, used to route the response.
	ClientID int
	// Name is the command name.
	Name string
	// Content is the XML command payload.
	Content string
	// DeviceName is the device name of the originating message with the
	// UID suffix stripped.
	DeviceName string
	// UID is the client-assigned command id, echoed in the response.
	UID uint32
}

// Response is the result of one executed command, tagged with the client
// it belongs to.
type Response struct {
	ClientID   int
	V3         bool
	UID        uint32
	DeviceName string
	Name       string
	Success    bool
	Message    string
	ErrorText  string
	// Parameters are echoed as message metadata on v3 replies.
	Parameters map[string]string

	// A response is a tagged sum: exactly one variant is set. The text
	// variant (Message/ErrorText) is the default; Image and ImageMeta
	// make the sender pack IMAGE / IMGMETA messages instead.
	Image     *igtl.ImageDescriptor
	ImageMeta []igtl.ImageMetaElement
}

// Handler executes one command. Attributes are the XML attributes of the
// command element (Name excluded).
type Handler func(attrs map[string]string) (message string, err error)

// ImageHandler executes a command whose reply is an image.
type ImageHandler func(attrs map[string]string) (*igtl.ImageDescriptor, error)

// Processor is the asynchronous execute-and-reply bridge.
type Processor struct {
	mu            sync.Mutex
	handlers      map[string]Handler
	imageHandlers map[string]ImageHandler
	pending       []Response
	started       bool

	queue  chan Request
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates an empty processor; register handlers before
// Start.
func NewProcessor() *Processor {
	return &Processor{
		handlers:      make(map[string]Handler),
		imageHandlers: make(map[string]ImageHandler),
		queue:         make(chan Request, queueCapacity),
	}
}

// Register binds a command name to a handler. Later registrations win.
func (p *Processor) Register(name string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = handler
}

// RegisterImage binds a command name to an image-producing handler.
func (p *Processor) RegisterImage(name string, handler ImageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imageHandlers[name] = handler
}

// Start spawns the worker pool.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("command: processor already started")
	}
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx)
	}
	return nil
}

// Stop shuts the worker pool down. Idempotent.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Queue enqueues a command for asynchronous execution. Returns an error
// when the queue is full; the caller decides whether to reply with a
// failure.
func (p *Processor) Queue(req Request) error {
	select {
	case p.queue <- req:
		return nil
	default:
		return fmt.Errorf("command: queue full, dropping command %q from client %d", req.Name, req.ClientID)
	}
}

// QueueResponse appends a pre-built response, bypassing execution. Used
// for protocol-level failures (malformed device names).
func (p *Processor) QueueResponse(resp Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, resp)
}

// PopResponses drains all pending responses.
func (p *Processor) PopResponses() []Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.queue:
			p.QueueResponse(p.execute(req))
		}
	}
}

func (p *Processor) execute(req Request) Response {
	resp := Response{
		ClientID:   req.ClientID,
		V3:         req.V3,
		UID:        req.UID,
		DeviceName: req.DeviceName,
		Name:       req.Name,
	}

	p.mu.Lock()
	handler, ok := p.handlers[req.Name]
	imageHandler, imageOK := p.imageHandlers[req.Name]
	p.mu.Unlock()
	if !ok && !imageOK {
		resp.ErrorText = fmt.Sprintf("unknown command %q", req.Name)
		slog.Warn("command: unknown command", "name", req.Name, "client_id", req.ClientID)
		return resp
	}

	_, attrs, err := ParseCommandElement(req.Content)
	if err != nil {
		resp.ErrorText = err.Error()
		return resp
	}

	if imageOK {
		image, err := imageHandler(attrs)
		if err != nil {
			resp.ErrorText = err.Error()
			return resp
		}
		resp.Success = true
		resp.Image = image
		return resp
	}

	message, err := handler(attrs)
	if err != nil {
		resp.ErrorText = err.Error()
		slog.Warn("command: execution failed", "name", req.Name, "client_id", req.ClientID, "error", err)
		return resp
	}
	resp.Success = true
	resp.Message = message
	slog.Debug("command: executed", "name", req.Name, "client_id", req.ClientID, "uid", req.UID)
	return resp
}

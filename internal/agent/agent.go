// Package agent exposes the scan manager over NATS. Scan requests arrive on
// <prefix>.request through a queue group, so several agents share the load;
// progress and final results are published on <prefix>.progress and
// <prefix>.result.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/services"
)

// SourceAgent marks scans started through NATS.
const SourceAgent = "agent"

const (
	progressBuffer = 256
	// progressStep is the minimum change in percent between two progress
	// messages of the same scan.
	progressStep   = 5
	reconnectWait  = 2 * time.Second
	connectTimeout = 5 * time.Second
)

// ScanRunner is the part of the scan manager the agent drives.
type ScanRunner interface {
	Start(ctx context.Context, req services.ScanRequest) (string, error)
	Wait(ctx context.Context, id string) (services.ScanJob, error)
	Subscribe(l services.Listener) func()
	Cancel(id string) error
}

// Publisher sends a message on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Request is the JSON body of a scan request message.
type Request struct {
	ID          string `json:"id"`
	Target      string `json:"target"`
	Ports       string `json:"ports,omitempty"`
	Profile     string `json:"profile,omitempty"`
	TimeoutMS   int    `json:"timeout_ms,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// Ack is sent to the reply subject of a request, when it has one.
type Ack struct {
	RequestID string `json:"request_id"`
	ScanID    string `json:"scan_id,omitempty"`
	Agent     string `json:"agent"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

// Progress is published while a scan runs.
type Progress struct {
	RequestID string             `json:"request_id"`
	ScanID    string             `json:"scan_id"`
	Agent     string             `json:"agent"`
	Target    string             `json:"target"`
	State     services.ScanState `json:"state"`
	Completed int                `json:"completed"`
	Total     int                `json:"total"`
	Timestamp time.Time          `json:"timestamp"`
}

// Result is published once per request.
type Result struct {
	RequestID string               `json:"request_id"`
	ScanID    string               `json:"scan_id,omitempty"`
	Agent     string               `json:"agent"`
	State     services.ScanState   `json:"state"`
	Result    *scanning.ScanResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
	Code      string               `json:"code,omitempty"`
}

type inflight struct {
	requestID string
	lastPct   int
}

// Agent serves scan requests from NATS.
type Agent struct {
	cfg    config.AgentConfig
	name   string
	scans  ScanRunner
	logger *logging.Logger

	conn *nats.Conn
	sub  *nats.Subscription
	pub  Publisher

	ctx         context.Context
	cancel      context.CancelFunc
	awaiting    sync.WaitGroup
	publisher   sync.WaitGroup
	progress    chan Progress
	unsubscribe func()

	mu       sync.Mutex
	inFlight map[string]*inflight
	closing  bool
}

// New creates an agent. It does not connect; see Run and Connect.
func New(cfg config.AgentConfig, scans ScanRunner, logger *logging.Logger) *Agent {
	if logger == nil {
		logger = logging.Default()
	}
	name := cfg.Name
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "portsweep-agent"
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:      cfg,
		name:     name,
		scans:    scans,
		logger:   logger.WithComponent("agent"),
		ctx:      ctx,
		cancel:   cancel,
		progress: make(chan Progress, progressBuffer),
		inFlight: make(map[string]*inflight),
	}
}

// Subject helpers.
func (a *Agent) requestSubject() string  { return a.cfg.SubjectPrefix + ".request" }
func (a *Agent) progressSubject() string { return a.cfg.SubjectPrefix + ".progress" }
func (a *Agent) resultSubject() string   { return a.cfg.SubjectPrefix + ".result" }

// Connect dials the NATS server and subscribes to scan requests.
func (a *Agent) Connect() error {
	nc, err := nats.Connect(a.cfg.NATSURL,
		nats.Name(a.name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			a.logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return errors.WrapScanError(errors.CodeServiceUnavailable,
			fmt.Sprintf("failed to connect to NATS at %s", a.cfg.NATSURL), err)
	}
	a.conn = nc

	if err := a.Attach(nc); err != nil {
		nc.Close()
		return err
	}

	sub, err := nc.QueueSubscribe(a.requestSubject(), a.cfg.QueueGroup, a.HandleMessage)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", a.requestSubject(), err)
	}
	a.sub = sub

	a.logger.Info("Connected to NATS",
		"url", nc.ConnectedUrl(),
		"subject", a.requestSubject(),
		"queue_group", a.cfg.QueueGroup,
		"agent", a.name)
	return nil
}

// Attach starts publishing through pub and listening for scan progress.
// Connect calls it with the NATS connection.
func (a *Agent) Attach(pub Publisher) error {
	if a.pub != nil {
		return errors.NewScanError(errors.CodeConflict, "agent already attached")
	}
	a.pub = pub
	a.unsubscribe = a.scans.Subscribe(a.onProgress)

	a.publisher.Add(1)
	go a.publishProgress()
	return nil
}

// Run connects and serves until ctx is done, then drains.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Connect(); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Close()
}

// HandleMessage processes one scan request.
func (a *Agent) HandleMessage(msg *nats.Msg) {
	a.handle(msg.Data, msg.Reply)
}

func (a *Agent) handle(data []byte, reply string) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		a.logger.Warn("Discarding malformed scan request", "error", err)
		verr := &errors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error(), Cause: err}
		a.reject(Request{ID: uuid.NewString()}, reply, verr)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	log := a.logger.With("request_id", req.ID, "target", req.Target)
	log.Info("Received scan request", "ports", req.Ports, "profile", req.Profile)

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		a.reject(req, reply, errors.NewScanError(errors.CodeServiceUnavailable, "agent is shutting down"))
		return
	}
	// Registered before Start so the scan's first progress events are kept.
	scanID := uuid.NewString()
	a.inFlight[scanID] = &inflight{requestID: req.ID}
	a.awaiting.Add(1)
	a.mu.Unlock()

	_, err := a.scans.Start(a.ctx, services.ScanRequest{
		ID:          scanID,
		Target:      req.Target,
		Ports:       req.Ports,
		Profile:     req.Profile,
		TimeoutMS:   req.TimeoutMS,
		Concurrency: req.Concurrency,
		Source:      SourceAgent,
	})
	if err != nil {
		a.mu.Lock()
		delete(a.inFlight, scanID)
		a.mu.Unlock()
		a.awaiting.Done()
		log.Warn("Scan request rejected", "error", err)
		a.reject(req, reply, err)
		return
	}

	a.mu.Lock()
	closing := a.closing
	a.mu.Unlock()
	if closing {
		_ = a.scans.Cancel(scanID)
	}

	if reply != "" {
		a.publish(reply, Ack{RequestID: req.ID, ScanID: scanID, Agent: a.name, Accepted: true})
	}

	go a.await(req.ID, scanID)
}

func (a *Agent) reject(req Request, reply string, err error) {
	if reply != "" {
		a.publish(reply, Ack{RequestID: req.ID, Agent: a.name, Error: err.Error()})
	}
	res := Result{
		RequestID: req.ID,
		Agent:     a.name,
		State:     services.StateFailed,
		Error:     err.Error(),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		res.Code = string(code)
	}
	a.publish(a.resultSubject(), res)
}

func (a *Agent) await(requestID, scanID string) {
	defer a.awaiting.Done()
	defer func() {
		a.mu.Lock()
		delete(a.inFlight, scanID)
		a.mu.Unlock()
	}()

	job, err := a.scans.Wait(a.ctx, scanID)
	if err != nil {
		a.publish(a.resultSubject(), Result{
			RequestID: requestID,
			ScanID:    scanID,
			Agent:     a.name,
			State:     services.StateCancelled,
			Error:     err.Error(),
			Code:      string(errors.CodeCanceled),
		})
		return
	}

	res := Result{
		RequestID: requestID,
		ScanID:    scanID,
		Agent:     a.name,
		State:     job.State,
		Result:    job.Result,
		Error:     job.Error,
	}
	switch job.State {
	case services.StateCancelled:
		res.Code = string(errors.CodeCanceled)
	case services.StateFailed:
		res.Code = string(errors.CodeScanFailed)
	}
	a.publish(a.resultSubject(), res)
	a.logger.Info("Scan result published", "request_id", requestID, "scan_id", scanID, "state", job.State)
}

// onProgress runs on scan goroutines and never blocks.
func (a *Agent) onProgress(ev services.ProgressEvent) {
	if ev.State.Terminal() {
		return
	}

	a.mu.Lock()
	f, ok := a.inFlight[ev.ScanID]
	if !ok {
		a.mu.Unlock()
		return
	}
	pct := 0
	if ev.Total > 0 {
		pct = ev.Completed * 100 / ev.Total
	}
	if ev.Completed > 0 && pct < f.lastPct+progressStep {
		a.mu.Unlock()
		return
	}
	f.lastPct = pct
	requestID := f.requestID
	a.mu.Unlock()

	p := Progress{
		RequestID: requestID,
		ScanID:    ev.ScanID,
		Agent:     a.name,
		Target:    ev.Target,
		State:     ev.State,
		Completed: ev.Completed,
		Total:     ev.Total,
		Timestamp: ev.Timestamp,
	}
	select {
	case a.progress <- p:
	default:
		a.logger.Debug("Progress buffer full, dropping update", "scan_id", ev.ScanID)
	}
}

func (a *Agent) publishProgress() {
	defer a.publisher.Done()
	for {
		select {
		case p := <-a.progress:
			a.publish(a.progressSubject(), p)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Agent) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("Failed to marshal message", "subject", subject, "error", err)
		return
	}
	if err := a.pub.Publish(subject, data); err != nil {
		a.logger.Error("Failed to publish message", "subject", subject, "error", err)
	}
}

// InFlight returns the number of scans awaiting a result message.
func (a *Agent) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}

// Close stops accepting requests, cancels in-flight scans, publishes their
// partial results and drains the connection.
func (a *Agent) Close() error {
	if a.sub != nil {
		if err := a.sub.Drain(); err != nil {
			a.logger.Warn("Failed to drain subscription", "error", err)
		}
	}

	a.mu.Lock()
	a.closing = true
	ids := make([]string, 0, len(a.inFlight))
	for id := range a.inFlight {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	if len(ids) > 0 {
		a.logger.Info("Cancelling in-flight agent scans", "count", len(ids))
	}
	for _, id := range ids {
		err := a.scans.Cancel(id)
		if err != nil && !errors.IsCode(err, errors.CodeConflict) && !errors.IsCode(err, errors.CodeNotFound) {
			a.logger.Warn("Failed to cancel scan", "scan_id", id, "error", err)
		}
	}
	a.awaiting.Wait()

	a.cancel()
	a.publisher.Wait()

	if a.unsubscribe != nil {
		a.unsubscribe()
	}

	if a.conn != nil {
		if err := a.conn.Drain(); err != nil {
			a.conn.Close()
			return fmt.Errorf("failed to drain NATS connection: %w", err)
		}
	}
	a.logger.Info("Agent stopped")
	return nil
}

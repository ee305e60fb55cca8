package opensway

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/opensway/opensway-go/metrics"
)

// DispatcherConfig bounds webhook delivery behavior.
type DispatcherConfig struct {
	// MaxAttempts caps delivery attempts per task (default 5).
	MaxAttempts int
	// BaseBackoff is the first retry delay; each retry doubles it (default 1s).
	BaseBackoff time.Duration
	// RequestTimeout bounds each HTTP attempt (default 10s).
	RequestTimeout time.Duration
	// Workers is the number of delivery goroutines (default 4).
	Workers int
	// Logger is used for delivery outcomes.
	Logger Logger
}

// Dispatcher delivers terminal-state webhooks asynchronously relative to the
// state transition: Notify only queues, so the transition path never blocks
// on network I/O. Delivery is best-effort and purely observational; exhausted
// retries are logged and never alter task status.
type Dispatcher struct {
	cfg     DispatcherConfig
	client  *http.Client
	encoder Encoder
	queue   chan *Task
	log     Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher. Call Start before use.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		encoder: &JSONEncoder{},
		queue:   make(chan *Task, 256),
		log:     lg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Notify queues one terminal snapshot for delivery. The state machine calls
// it exactly once per task, on the transition that won the conditional write.
func (d *Dispatcher) Notify(t *Task) {
	select {
	case d.queue <- t:
	default:
		// Queue overflow: drop rather than block the transition path.
		d.log.Warnf("webhook queue full, dropping delivery: id=%s", t.ID)
		metrics.WebhookDeliveries.WithLabelValues("exhausted").Inc()
	}
}

// Start launches the delivery workers. It is idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.log.Warnf("dispatcher already started; ignoring Start()")
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliverLoop()
		}()
	}
}

// Stop cancels in-flight deliveries and waits for workers to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.log.Warnf("dispatcher not started; ignoring Stop()")
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) deliverLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-d.queue:
			d.deliver(t)
		}
	}
}

// deliver posts the snapshot with exponential backoff up to MaxAttempts.
func (d *Dispatcher) deliver(t *Task) {
	body, err := d.encoder.Encode(t.Snapshot())
	if err != nil {
		d.log.Errorf("webhook encode failed: id=%s err=%v", t.ID, err)
		return
	}

	backoff := d.cfg.BaseBackoff
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if d.post(t.WebhookURL, body) {
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			d.log.Debugf("webhook delivered: id=%s url=%s attempt=%d", t.ID, t.WebhookURL, attempt)
			return
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}
		metrics.WebhookDeliveries.WithLabelValues("retried").Inc()
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	metrics.WebhookDeliveries.WithLabelValues("exhausted").Inc()
	d.log.Warnf("webhook delivery exhausted: id=%s url=%s attempts=%d", t.ID, t.WebhookURL, d.cfg.MaxAttempts)
}

// post reports success on any 2xx response.
func (d *Dispatcher) post(url string, body []byte) bool {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// forward.go streams committed audit records to external destinations.
// Compliance teams usually pull the chain through the query API, but many
// platforms also push a live copy into a SIEM or long-term archive. The
// forwarder is strictly downstream of the chain: a record is forwarded only
// after its append committed, and a forwarding failure never fails the
// original write.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// Forwarder delivers committed audit records to an external destination.
type Forwarder interface {
	// Forward delivers a single record. Delivery is best-effort; callers
	// log and continue on error.
	Forward(ctx context.Context, rec *AuditRecord) error
	// Close flushes buffered records and releases resources.
	Close() error
}

// ForwarderConfig selects and configures the export destinations. A nil
// sub-config disables that destination; configuring both yields a fanout.
type ForwarderConfig struct {
	Webhook *WebhookForwarderConfig
	File    *FileForwarderConfig
}

// WebhookForwarderConfig configures HTTP delivery to a SIEM collector.
type WebhookForwarderConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// BatchSize batches records into a single JSON array per request.
	// Zero sends each record individually.
	BatchSize int
	// FlushInterval bounds how long a partial batch may sit in memory.
	FlushInterval time.Duration
}

// FileForwarderConfig configures newline-delimited JSON export to disk.
type FileForwarderConfig struct {
	Path string
	// MaxSizeMB rotates the file once it grows past this size. Zero
	// disables rotation.
	MaxSizeMB  int
	MaxBackups int
}

// NewForwarder builds a forwarder from config. With both destinations set
// the returned forwarder fans out to each; with neither it returns an error
// rather than a silent no-op.
func NewForwarder(cfg ForwarderConfig) (Forwarder, error) {
	var targets []Forwarder

	if cfg.Webhook != nil {
		if cfg.Webhook.URL == "" {
			return nil, fmt.Errorf("webhook forwarder requires a url")
		}
		targets = append(targets, NewWebhookForwarder(cfg.Webhook))
	}
	if cfg.File != nil {
		fw, err := NewFileForwarder(cfg.File)
		if err != nil {
			return nil, err
		}
		targets = append(targets, fw)
	}

	switch len(targets) {
	case 0:
		return nil, fmt.Errorf("no forwarder destination configured")
	case 1:
		return targets[0], nil
	default:
		return &fanoutForwarder{targets: targets}, nil
	}
}

// fanoutForwarder delivers every record to each destination. One failing
// destination does not stop delivery to the others.
type fanoutForwarder struct {
	targets []Forwarder
}

func (f *fanoutForwarder) Forward(ctx context.Context, rec *AuditRecord) error {
	var lastErr error
	for _, t := range f.targets {
		if err := t.Forward(ctx, rec); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (f *fanoutForwarder) Close() error {
	var lastErr error
	for _, t := range f.targets {
		if err := t.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookForwarder POSTs records to an HTTP collector, optionally batching
// them into JSON arrays.
type WebhookForwarder struct {
	cfg    *WebhookForwarderConfig
	client *http.Client

	queue     chan *AuditRecord
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebhookForwarder creates a webhook forwarder. When batching is
// configured a background flusher drains the queue.
func NewWebhookForwarder(cfg *WebhookForwarderConfig) *WebhookForwarder {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	wf := &WebhookForwarder{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		queue:   make(chan *AuditRecord, 1024),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.BatchSize > 0 {
		go wf.flushLoop()
	} else {
		close(wf.done)
	}
	return wf
}

// Forward queues the record when batching, or posts it immediately. A full
// queue falls back to a direct send so records are never dropped silently.
func (wf *WebhookForwarder) Forward(ctx context.Context, rec *AuditRecord) error {
	if wf.cfg.BatchSize > 0 {
		select {
		case wf.queue <- rec:
			return nil
		default:
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	return wf.post(ctx, payload)
}

func (wf *WebhookForwarder) flushLoop() {
	defer close(wf.done)

	interval := wf.cfg.FlushInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]*AuditRecord, 0, wf.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		payload, err := json.Marshal(batch)
		batch = batch[:0]
		if err != nil {
			slog.Error("marshal audit export batch", "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), wf.client.Timeout)
		defer cancel()
		if err := wf.post(ctx, payload); err != nil {
			slog.Warn("audit export batch delivery failed", "error", err)
		}
	}

	for {
		select {
		case rec := <-wf.queue:
			batch = append(batch, rec)
			if len(batch) >= wf.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-wf.closeCh:
			// Drain whatever arrived before close, then flush once.
			for {
				select {
				case rec := <-wf.queue:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (wf *WebhookForwarder) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wf.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wf.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := wf.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver audit export: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit export collector returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the flusher after a final flush of queued records.
func (wf *WebhookForwarder) Close() error {
	wf.closeOnce.Do(func() {
		close(wf.closeCh)
	})
	<-wf.done
	return nil
}

// FileForwarder appends records as newline-delimited JSON, the format most
// log collectors tail. Rotation keeps a bounded number of numbered backups.
type FileForwarder struct {
	cfg  *FileForwarderConfig
	mu   sync.Mutex
	file *os.File
}

// NewFileForwarder opens (or creates) the export file for appending.
func NewFileForwarder(cfg *FileForwarderConfig) (*FileForwarder, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit export file: %w", err)
	}
	return &FileForwarder{cfg: cfg, file: file}, nil
}

// Forward appends one record as a JSON line.
func (ff *FileForwarder) Forward(ctx context.Context, rec *AuditRecord) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if ff.cfg.MaxSizeMB > 0 {
		info, err := ff.file.Stat()
		if err == nil && info.Size() > int64(ff.cfg.MaxSizeMB)*1024*1024 {
			if err := ff.rotate(); err != nil {
				slog.Warn("audit export rotation failed", "path", ff.cfg.Path, "error", err)
			}
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := ff.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit export: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1, and
// reopens a fresh file. Callers hold the mutex.
func (ff *FileForwarder) rotate() error {
	if err := ff.file.Close(); err != nil {
		return err
	}

	for i := ff.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(
			fmt.Sprintf("%s.%d", ff.cfg.Path, i),
			fmt.Sprintf("%s.%d", ff.cfg.Path, i+1),
		)
	}
	_ = os.Rename(ff.cfg.Path, ff.cfg.Path+".1")
	if ff.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", ff.cfg.Path, ff.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(ff.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	ff.file = file
	return nil
}

// Close closes the export file.
func (ff *FileForwarder) Close() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.file.Close()
}

// Package audit delivers fire-and-forget records of tool calls and
// results to file and/or HTTP destinations. Delivery never blocks the
// gating path and delivery failures never affect a verdict; they are
// counted so operators can detect systemic audit loss.
package audit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolwatch/toolwatch/internal/logger"
)

// Header marks a request as audit-only: the collector records the
// event as already approved instead of running rule evaluation. This
// lets a local evaluator that already made its decision use the
// collector purely as an audit sink without a double evaluation.
const Header = "X-Toolwatch-Audit"

// Mode selects the delivery behavior.
type Mode string

// Delivery modes.
const (
	ModeNone             Mode = "none"
	ModeFile             Mode = "file"
	ModeHTTP             Mode = "http"
	ModeBoth             Mode = "both"
	ModeHTTPWithFallback Mode = "http-with-fallback"
)

// Config configures a Sender.
type Config struct {
	Mode     Mode
	FilePath string
	URL      string
}

// Stats counts delivery failures since the sender was created.
type Stats struct {
	FileErrors int64 `json:"file_errors"`
	HTTPErrors int64 `json:"http_errors"`
	Fallbacks  int64 `json:"fallbacks"`
}

// Sender delivers audit records according to its configured mode.
type Sender struct {
	cfg    Config
	client *http.Client

	fileMu sync.Mutex
	wg     sync.WaitGroup

	fileErrors atomic.Int64
	httpErrors atomic.Int64
	fallbacks  atomic.Int64
}

// NewSender creates a sender for the given config.
func NewSender(cfg Config) *Sender {
	return &Sender{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers the record asynchronously. It never blocks the caller
// and never reports an error; failures are counted and logged at
// debug.
func (s *Sender) Send(record any) {
	if s.cfg.Mode == "" || s.cfg.Mode == ModeNone {
		return
	}

	data, err := json.Marshal(record)
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to encode audit record")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(data)
	}()
}

// Flush waits for in-flight deliveries. Short-lived callers (the gate
// command) call this before exiting so spawned deliveries are not lost;
// long-lived callers never need to.
func (s *Sender) Flush() {
	s.wg.Wait()
}

// Stats returns the failure counters.
func (s *Sender) Stats() Stats {
	return Stats{
		FileErrors: s.fileErrors.Load(),
		HTTPErrors: s.httpErrors.Load(),
		Fallbacks:  s.fallbacks.Load(),
	}
}

func (s *Sender) deliver(data []byte) {
	switch s.cfg.Mode {
	case ModeFile:
		s.appendFile(data)

	case ModeHTTP:
		_ = s.post(data)

	case ModeBoth:
		s.appendFile(data)
		_ = s.post(data)

	case ModeHTTPWithFallback:
		if s.cfg.URL == "" {
			s.appendFile(data)
			return
		}
		if err := s.post(data); err != nil {
			s.fallbacks.Add(1)
			s.appendFile(data)
		}
	}
}

// appendFile appends the record as one JSON line. Write errors are
// swallowed after counting.
func (s *Sender) appendFile(data []byte) {
	if s.cfg.FilePath == "" {
		s.fileErrors.Add(1)
		return
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	f, err := os.OpenFile(s.cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.fileErrors.Add(1)
		logger.Debug().Err(err).Str("path", s.cfg.FilePath).Msg("Audit file open failed")
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		s.fileErrors.Add(1)
		logger.Debug().Err(err).Str("path", s.cfg.FilePath).Msg("Audit file write failed")
	}
}

// post delivers the record over HTTP with the audit-only marker
// header. Network errors and non-2xx responses both count as failure.
func (s *Sender) post(data []byte) error {
	err := postLine(s.client, s.cfg.URL, data)
	if err != nil {
		s.httpErrors.Add(1)
		logger.Debug().Err(err).Str("url", s.cfg.URL).Msg("Audit POST failed")
	}
	return err
}

func postLine(client *http.Client, url string, data []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(Header, "true")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "unexpected status " + http.StatusText(e.code)
}

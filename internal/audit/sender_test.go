package audit

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type recordedRequest struct {
	header string
	body   map[string]any
}

// auditCollector records every POST it receives and answers with the
// given status.
func auditCollector(t *testing.T, status int) (*httptest.Server, func() []recordedRequest) {
	t.Helper()

	var mu sync.Mutex
	var recorded []recordedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		recorded = append(recorded, recordedRequest{header: r.Header.Get(Header), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), recorded...)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestSendModeNoneDeliversNothing(t *testing.T) {
	srv, requests := auditCollector(t, http.StatusOK)
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	for _, mode := range []Mode{ModeNone, ""} {
		s := NewSender(Config{Mode: mode, FilePath: path, URL: srv.URL})
		s.Send(map[string]any{"tool": "bash"})
		s.Flush()
	}

	if got := requests(); len(got) != 0 {
		t.Errorf("collector received %d requests, want 0", len(got))
	}
	if lines := readLines(t, path); len(lines) != 0 {
		t.Errorf("file has %d lines, want 0", len(lines))
	}
}

func TestSendModeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s := NewSender(Config{Mode: ModeFile, FilePath: path})

	s.Send(map[string]any{"tool": "bash"})
	s.Send(map[string]any{"tool": "read"})
	s.Flush()

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("file has %d lines, want 2", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("line 0 is not JSON: %v", err)
	}
}

func TestSendModeHTTPSetsAuditHeader(t *testing.T) {
	srv, requests := auditCollector(t, http.StatusOK)
	s := NewSender(Config{Mode: ModeHTTP, URL: srv.URL})

	s.Send(map[string]any{"tool": "bash"})
	s.Flush()

	got := requests()
	if len(got) != 1 {
		t.Fatalf("collector received %d requests, want 1", len(got))
	}
	if got[0].header != "true" {
		t.Errorf("%s header = %q, want %q", Header, got[0].header, "true")
	}
	if got[0].body["tool"] != "bash" {
		t.Errorf("body = %+v", got[0].body)
	}
}

func TestSendModeBothDeliversToBoth(t *testing.T) {
	srv, requests := auditCollector(t, http.StatusOK)
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s := NewSender(Config{Mode: ModeBoth, FilePath: path, URL: srv.URL})

	s.Send(map[string]any{"tool": "bash"})
	s.Flush()

	if got := requests(); len(got) != 1 {
		t.Errorf("collector received %d requests, want 1", len(got))
	}
	if lines := readLines(t, path); len(lines) != 1 {
		t.Errorf("file has %d lines, want 1", len(lines))
	}
}

func TestFallbackWritesFileOnlyWhenPostFails(t *testing.T) {
	srv, requests := auditCollector(t, http.StatusOK)
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s := NewSender(Config{Mode: ModeHTTPWithFallback, FilePath: path, URL: srv.URL})

	s.Send(map[string]any{"tool": "bash"})
	s.Flush()

	if got := requests(); len(got) != 1 {
		t.Errorf("collector received %d requests, want 1", len(got))
	}
	if lines := readLines(t, path); len(lines) != 0 {
		t.Errorf("successful POST must not also write the file, got %d lines", len(lines))
	}
	if st := s.Stats(); st.Fallbacks != 0 || st.HTTPErrors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestFallbackOnServerError(t *testing.T) {
	srv, _ := auditCollector(t, http.StatusInternalServerError)
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s := NewSender(Config{Mode: ModeHTTPWithFallback, FilePath: path, URL: srv.URL})

	s.Send(map[string]any{"tool": "bash"})
	s.Flush()

	if lines := readLines(t, path); len(lines) != 1 {
		t.Fatalf("file has %d lines, want 1", len(lines))
	}
	st := s.Stats()
	if st.Fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", st.Fallbacks)
	}
	if st.HTTPErrors != 1 {
		t.Errorf("httpErrors = %d, want 1", st.HTTPErrors)
	}
}

func TestFallbackWithoutURLGoesStraightToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s := NewSender(Config{Mode: ModeHTTPWithFallback, FilePath: path})

	s.Send(map[string]any{"tool": "bash"})
	s.Flush()

	if lines := readLines(t, path); len(lines) != 1 {
		t.Errorf("file has %d lines, want 1", len(lines))
	}
	if st := s.Stats(); st.Fallbacks != 0 {
		t.Errorf("fallbacks = %d, want 0", st.Fallbacks)
	}
}

func TestFileErrorCounted(t *testing.T) {
	s := NewSender(Config{Mode: ModeFile})

	s.Send(map[string]any{"tool": "bash"})
	s.Flush()

	if st := s.Stats(); st.FileErrors != 1 {
		t.Errorf("fileErrors = %d, want 1", st.FileErrors)
	}
}

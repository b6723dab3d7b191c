package audit

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/toolwatch/toolwatch/internal/logger"
)

// DrainResult reports the outcome of a drain run.
type DrainResult struct {
	Sent   int
	Failed int
}

// Drain resends previously-failed audit records from the fallback file
// to the collector URL, then rewrites the file to contain only the
// lines that still failed, deleting it entirely when everything went
// through. A partially successful drain never loses un-sent records
// and never re-sends confirmed ones, so re-running is always safe.
func Drain(path, url string) (*DrainResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &DrainResult{}, nil
		}
		return nil, fmt.Errorf("reading fallback file: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var failed []string
	result := &DrainResult{}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if err := postLine(client, url, []byte(line)); err != nil {
			logger.Debug().Err(err).Msg("Drain resend failed")
			failed = append(failed, line)
			result.Failed++
			continue
		}
		result.Sent++
	}

	if len(failed) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return result, fmt.Errorf("removing drained file: %w", err)
		}
		return result, nil
	}

	content := strings.Join(failed, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return result, fmt.Errorf("rewriting fallback file: %w", err)
	}

	return result, nil
}

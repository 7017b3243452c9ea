package flush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// FlushPath is the collector route batches are posted to.
const FlushPath = "/time/flush"

const maxResponseBody = 64 << 10

// HTTPSinkConfig configures the collector client.
type HTTPSinkConfig struct {
	URL          string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// HTTPSink posts batches to a collector over HTTP.
type HTTPSink struct {
	client   *retryablehttp.Client
	endpoint string
	logger   zerolog.Logger
}

// NewHTTPSink creates a sink for the collector at config.URL.
func NewHTTPSink(config HTTPSinkConfig, logger zerolog.Logger) *HTTPSink {
	if config.RetryWaitMin == 0 {
		config.RetryWaitMin = 500 * time.Millisecond
	}
	if config.RetryWaitMax == 0 {
		config.RetryWaitMax = 5 * time.Second
	}

	logger = logger.With().Str("component", "sink").Logger()

	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = config.RetryWaitMin
	client.RetryWaitMax = config.RetryWaitMax
	client.HTTPClient.Timeout = config.Timeout
	client.Logger = leveledLogger{logger}

	return &HTTPSink{
		client:   client,
		endpoint: strings.TrimRight(config.URL, "/") + FlushPath,
		logger:   logger,
	}
}

// Send implements Sink. Any 2xx response is success.
func (s *HTTPSink) Send(ctx context.Context, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", s.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	respBody = bytes.TrimSpace(respBody)

	event := s.logger.Debug().Int("status", resp.StatusCode)
	if json.Valid(respBody) {
		event = event.RawJSON("response", respBody)
	} else if len(respBody) > 0 {
		event = event.Str("response", string(respBody))
	}
	event.Msg("Collector responded")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return nil
}

// LocalTimezone returns the IANA name of the host's time zone, falling back
// to Go's name for the local location.
func LocalTimezone() string {
	if tz := strings.TrimPrefix(os.Getenv("TZ"), ":"); tz != "" {
		if _, err := time.LoadLocation(tz); err == nil {
			return tz
		}
	}
	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if i := strings.Index(target, "zoneinfo/"); i >= 0 {
			return target[i+len("zoneinfo/"):]
		}
	}
	return time.Local.String()
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) {
	l.logger.Error().Fields(kv).Msg(msg)
}

func (l leveledLogger) Warn(msg string, kv ...interface{}) {
	l.logger.Warn().Fields(kv).Msg(msg)
}

func (l leveledLogger) Info(msg string, kv ...interface{}) {
	l.logger.Debug().Fields(kv).Msg(msg)
}

func (l leveledLogger) Debug(msg string, kv ...interface{}) {
	l.logger.Trace().Fields(kv).Msg(msg)
}

package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/ledger/internal/schema"
	ledgersync "github.com/hyperengineering/ledger/internal/sync"
)

// Skew negotiation bounds. The loop accepts a skew once the server's reply
// lands inside the tolerance and gives up after the attempt budget.
const (
	skewToleranceMS = 500
	skewMaxAttempts = 10
)

// ErrUnstableConnection reports that skew negotiation could not converge.
var ErrUnstableConnection = errors.New("unstable-connection")

// Syncer is the HTTP transport to the ledger server.
type Syncer struct {
	baseURL string
	httpc   *http.Client
	log     *slog.Logger

	skewMS     int64
	negotiated bool
}

// NewSyncer creates a transport for the given server base URL.
func NewSyncer(baseURL string, timeout time.Duration, log *slog.Logger) *Syncer {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		log:     log,
	}
}

// SkewMS returns the negotiated clock skew in milliseconds.
func (s *Syncer) SkewMS() int64 { return s.skewMS }

// Ping checks connectivity to the server.
func (s *Syncer) Ping(ctx context.Context) error {
	_, err := s.do(ctx, http.MethodGet, "/health", "", nil)
	return err
}

// NegotiateSkew converges on the clock skew between this client and the
// server. Each round sends the local time shifted by the current estimate;
// the server replies with how far off it landed, and the estimate absorbs
// the reply until it is inside the tolerance.
func (s *Syncer) NegotiateSkew(ctx context.Context) (int64, error) {
	skew := s.skewMS
	for attempt := 0; attempt < skewMaxAttempts; attempt++ {
		stamp := time.Now().UTC().Add(time.Duration(skew) * time.Millisecond)
		body, err := s.do(ctx, http.MethodPost, "/syncGetTime", "text/plain",
			[]byte(stamp.Format(time.RFC3339Nano)))
		if err != nil {
			return 0, err
		}
		reply, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse skew reply %q: %w", body, err)
		}
		skew += reply
		if reply < skewToleranceMS && reply > -skewToleranceMS {
			s.skewMS = skew
			s.negotiated = true
			return skew, nil
		}
	}
	return 0, ErrUnstableConnection
}

// Upload posts one change-set as multipart form data. Transport failures
// retry with backoff; the server's uuid check makes a duplicate delivery
// harmless.
func (s *Syncer) Upload(ctx context.Context, set ledgersync.ChangeSet) (*ledgersync.ApplyResult, error) {
	payload, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encode change-set: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormField("changes")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	body, err := s.do(ctx, http.MethodPost, "/sync", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return nil, err
	}
	var result ledgersync.ApplyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	return &result, nil
}

// Download fetches the delta of one table past the client's version.
func (s *Syncer) Download(ctx context.Context, table string, after int64) (*ledgersync.TableDelta, error) {
	path := "/sync/delta?table=" + url.QueryEscape(table) + "&after=" + strconv.FormatInt(after, 10)
	body, err := s.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	var delta ledgersync.TableDelta
	if err := json.Unmarshal(body, &delta); err != nil {
		return nil, fmt.Errorf("decode delta for %s: %w", table, err)
	}
	return &delta, nil
}

// schemaReply is the wire shape of GET /api/v1/schema.
type schemaReply struct {
	Version int64         `json:"version"`
	Tables  schema.Schema `json:"tables"`
}

// FetchSchema retrieves the server's schema version and table catalog.
func (s *Syncer) FetchSchema(ctx context.Context) (int64, schema.Schema, error) {
	body, err := s.do(ctx, http.MethodGet, "/api/v1/schema", "", nil)
	if err != nil {
		return 0, nil, err
	}
	var reply schemaReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return 0, nil, fmt.Errorf("decode schema: %w", err)
	}
	return reply.Version, reply.Tables, nil
}

// httpError carries the status of a non-retryable server response.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

// do issues one request with transport-level retry. Server 5xx and network
// errors retry; 4xx fails immediately.
func (s *Syncer) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	var out []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := s.httpc.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("%s %s: server error %d", method, path, resp.StatusCode))
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return &httpError{
				status: resp.StatusCode,
				msg:    fmt.Sprintf("%s %s: %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data))),
			}
		}
		out = data
		return nil
	})
	return out, err
}

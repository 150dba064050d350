// Package tsdb is the client for the optional pull-based time-series query
// service. It is an independent failure domain: errors here never abort a
// shell-probe cycle for the same target.
package tsdb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// QueryError is the error domain for the time-series service
type QueryError struct {
	Kind Kind
	Err  error
}

// Kind classifies a query failure
type Kind int

const (
	// KindUnreachable covers transport and HTTP-level failures
	KindUnreachable Kind = iota
	// KindBadStatus covers responses whose body does not match the
	// expected shape, including a non-success top-level status
	KindBadStatus
)

func (k Kind) String() string {
	if k == KindBadStatus {
		return "bad-status"
	}
	return "unreachable"
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("time-series query failed (%s): %v", e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// SamplePair is one (timestamp, value) sample. The API encodes it as
// [unixSeconds, "stringValue"].
type SamplePair struct {
	Timestamp time.Time
	Value     float64
}

// UnmarshalJSON decodes the two-element array form
func (s *SamplePair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sample is not a two-element array: %w", err)
	}

	var unix float64
	if err := json.Unmarshal(raw[0], &unix); err != nil {
		return fmt.Errorf("sample timestamp: %w", err)
	}

	var valStr string
	if err := json.Unmarshal(raw[1], &valStr); err != nil {
		return fmt.Errorf("sample value: %w", err)
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return fmt.Errorf("sample value %q is not numeric: %w", valStr, err)
	}

	sec := int64(unix)
	nsec := int64((unix - float64(sec)) * 1e9)
	s.Timestamp = time.Unix(sec, nsec)
	s.Value = val
	return nil
}

// Series is one instant-query result: a label set with a single sample
type Series struct {
	Metric map[string]string `json:"metric"`
	Value  SamplePair        `json:"value"`
}

// RangeSeries is one range-query result: a label set with ordered samples
type RangeSeries struct {
	Metric  map[string]string `json:"metric"`
	Samples []SamplePair      `json:"values"`
}

// Alert is one alerting rule instance reported by the service
type Alert struct {
	State       string            `json:"state"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	ActiveAt    time.Time         `json:"activeAt"`
	Value       string            `json:"value"`
}

// Options carries the optional mutual-TLS material for the client
type Options struct {
	CertFile string
	KeyFile  string
	CAFile   string
	Timeout  time.Duration
}

// Client issues instant and range queries against the service's HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a client for the given base URL. TLS material is loaded
// and parsed here; unreadable files fail construction rather than the first
// query.
func NewClient(baseURL string, opts Options, logger *slog.Logger) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("time-series base URL is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{}
	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

		if opts.CAFile != "" {
			caData, err := os.ReadFile(opts.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA bundle: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, fmt.Errorf("no certificates parsed from CA bundle %s", opts.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.With("component", "tsdb-client"),
	}, nil
}

// apiResponse is the envelope every endpoint shares. Status is validated
// explicitly; field presence is never assumed.
type apiResponse struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"errorType"`
	ErrorMsg  string          `json:"error"`
}

// QueryInstant evaluates an expression at the current instant
func (c *Client) QueryInstant(ctx context.Context, expr string) ([]Series, error) {
	params := url.Values{"query": []string{expr}}
	data, err := c.get(ctx, "/api/v1/query", params)
	if err != nil {
		return nil, err
	}

	var body struct {
		ResultType string   `json:"resultType"`
		Result     []Series `json:"result"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &QueryError{Kind: KindBadStatus, Err: fmt.Errorf("malformed query result: %w", err)}
	}
	return body.Result, nil
}

// QueryRange evaluates an expression over [start, end] at the given step
func (c *Client) QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) ([]RangeSeries, error) {
	params := url.Values{
		"query": []string{expr},
		"start": []string{strconv.FormatInt(start.Unix(), 10)},
		"end":   []string{strconv.FormatInt(end.Unix(), 10)},
		"step":  []string{strconv.FormatInt(int64(step.Seconds()), 10)},
	}
	data, err := c.get(ctx, "/api/v1/query_range", params)
	if err != nil {
		return nil, err
	}

	var body struct {
		ResultType string        `json:"resultType"`
		Result     []RangeSeries `json:"result"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &QueryError{Kind: KindBadStatus, Err: fmt.Errorf("malformed range result: %w", err)}
	}
	return body.Result, nil
}

// ListMetricNames enumerates the metric names known to the service
func (c *Client) ListMetricNames(ctx context.Context) ([]string, error) {
	data, err := c.get(ctx, "/api/v1/label/__name__/values", nil)
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, &QueryError{Kind: KindBadStatus, Err: fmt.Errorf("malformed name list: %w", err)}
	}
	return names, nil
}

// ListAlerts returns the alerts currently in the firing state. Pending and
// inactive entries are filtered here, not left for callers to re-filter.
func (c *Client) ListAlerts(ctx context.Context) ([]Alert, error) {
	data, err := c.get(ctx, "/api/v1/alerts", nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Alerts []Alert `json:"alerts"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &QueryError{Kind: KindBadStatus, Err: fmt.Errorf("malformed alert list: %w", err)}
	}

	firing := make([]Alert, 0, len(body.Alerts))
	for _, a := range body.Alerts {
		if a.State == "firing" {
			firing = append(firing, a)
		}
	}
	return firing, nil
}

// get performs one API request and returns the validated data payload
func (c *Client) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &QueryError{Kind: KindUnreachable, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &QueryError{Kind: KindUnreachable, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &QueryError{Kind: KindUnreachable, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &QueryError{
			Kind: KindUnreachable,
			Err:  fmt.Errorf("unexpected HTTP status %d: %s", resp.StatusCode, truncate(string(raw), 120)),
		}
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &QueryError{Kind: KindBadStatus, Err: fmt.Errorf("malformed response body: %w", err)}
	}

	if envelope.Status != "success" {
		return nil, &QueryError{
			Kind: KindBadStatus,
			Err:  fmt.Errorf("status %q (%s): %s", envelope.Status, envelope.ErrorType, envelope.ErrorMsg),
		}
	}

	return envelope.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrTracking = errors.New("experiment tracking failed")

// Error is returned by every tracking call that fails, either on transport
// or because the server rejected the request.
type Error struct {
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("tracking ")
	sb.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&sb, ": status %d", e.Status)
	}
	if e.Code != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Code)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrTracking }

const (
	codeNotFound      = "RESOURCE_DOES_NOT_EXIST"
	codeAlreadyExists = "RESOURCE_ALREADY_EXISTS"
)

func isCode(err error, code string) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}

// Client talks to the MLflow REST API.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func withClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) nowMillis() int64 { return c.now().UnixMilli() }

type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// call sends in as JSON (POST) or as a query (GET) and decodes the reply
// into out when out is non-nil.
func (c *Client) call(ctx context.Context, method, endpoint string, in, out any) error {
	op := strings.TrimPrefix(endpoint, "/")
	target := c.baseURL + "/api/2.0/mlflow/" + op

	var body io.Reader
	if method == http.MethodGet {
		if q, ok := in.(url.Values); ok && len(q) > 0 {
			target += "?" + q.Encode()
		}
	} else if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op, out)
}

func (c *Client) send(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) != nil || apiErr.ErrorCode == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return &Error{Op: op, Status: resp.StatusCode, Code: apiErr.ErrorCode, Message: apiErr.Message}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

type experiment struct {
	ExperimentID     string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location"`
}

func (c *Client) getExperimentByName(ctx context.Context, name string) (*experiment, error) {
	var resp struct {
		Experiment experiment `json:"experiment"`
	}
	q := url.Values{"experiment_name": {name}}
	if err := c.call(ctx, http.MethodGet, "experiments/get-by-name", q, &resp); err != nil {
		return nil, err
	}
	return &resp.Experiment, nil
}

func (c *Client) createExperiment(ctx context.Context, name string) (string, error) {
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.call(ctx, http.MethodPost, "experiments/create", map[string]string{"name": name}, &resp); err != nil {
		return "", err
	}
	return resp.ExperimentID, nil
}

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type runInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	Status       string `json:"status"`
	ArtifactURI  string `json:"artifact_uri"`
}

func (c *Client) createRun(ctx context.Context, experimentID, name string, tags []tag) (*runInfo, error) {
	req := struct {
		ExperimentID string `json:"experiment_id"`
		StartTime    int64  `json:"start_time"`
		RunName      string `json:"run_name,omitempty"`
		Tags         []tag  `json:"tags,omitempty"`
	}{experimentID, c.nowMillis(), name, tags}

	var resp struct {
		Run struct {
			Info runInfo `json:"info"`
		} `json:"run"`
	}
	if err := c.call(ctx, http.MethodPost, "runs/create", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Run.Info, nil
}

func (c *Client) updateRun(ctx context.Context, runID, status string) error {
	req := map[string]any{"run_id": runID, "status": status, "end_time": c.nowMillis()}
	return c.call(ctx, http.MethodPost, "runs/update", req, nil)
}

func (c *Client) logParam(ctx context.Context, runID, key, value string) error {
	req := map[string]string{"run_id": runID, "key": key, "value": value}
	return c.call(ctx, http.MethodPost, "runs/log-parameter", req, nil)
}

func (c *Client) logMetric(ctx context.Context, runID, key string, value float64, step int) error {
	req := map[string]any{
		"run_id":    runID,
		"key":       key,
		"value":     metricValue(value),
		"timestamp": c.nowMillis(),
		"step":      step,
	}
	return c.call(ctx, http.MethodPost, "runs/log-metric", req, nil)
}

// metricValue encodes non-finite values the way the MLflow REST API spells
// them, since encoding/json refuses NaN and infinities.
type metricValue float64

func (v metricValue) MarshalJSON() ([]byte, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (c *Client) setTag(ctx context.Context, runID, key, value string) error {
	req := map[string]string{"run_id": runID, "key": key, "value": value}
	return c.call(ctx, http.MethodPost, "runs/set-tag", req, nil)
}

// uploadArtifact PUTs one file through the tracking server's artifact proxy.
func (c *Client) uploadArtifact(ctx context.Context, proxyPath string, r io.Reader) error {
	op := "artifacts/upload"
	target := c.baseURL + "/api/2.0/mlflow-artifacts/artifacts/" + escapePath(proxyPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, r)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.send(req, op, nil)
}

func (c *Client) createRegisteredModel(ctx context.Context, name string) error {
	err := c.call(ctx, http.MethodPost, "registered-models/create", map[string]string{"name": name}, nil)
	if isCode(err, codeAlreadyExists) {
		return nil
	}
	return err
}

func (c *Client) createModelVersion(ctx context.Context, name, source, runID string) (string, error) {
	var resp struct {
		ModelVersion struct {
			Version string `json:"version"`
		} `json:"model_version"`
	}
	req := map[string]string{"name": name, "source": source, "run_id": runID}
	if err := c.call(ctx, http.MethodPost, "model-versions/create", req, &resp); err != nil {
		return "", err
	}
	return resp.ModelVersion.Version, nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

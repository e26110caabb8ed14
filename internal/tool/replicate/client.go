package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/kiln/internal/retry"
	"github.com/seantiz/kiln/internal/runner"
)

// DefaultURL is the public prediction API.
const DefaultURL = "https://api.replicate.com"

// Prediction is the prediction resource returned by the API and posted to
// webhooks.
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  any             `json:"error,omitempty"`
	Logs   string          `json:"logs,omitempty"`
}

// Done reports whether the prediction reached a final status.
func (p *Prediction) Done() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// Outputs flattens the prediction output into a list of strings. Output
// URLs come back as a string or a list of strings; anything else is kept
// as its JSON text.
func (p *Prediction) Outputs() []string {
	raw := bytes.TrimSpace(p.Output)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []any
	if err := json.Unmarshal(raw, &many); err == nil {
		out := make([]string, 0, len(many))
		for _, v := range many {
			if s, ok := v.(string); ok {
				out = append(out, s)
				continue
			}
			b, _ := json.Marshal(v)
			out = append(out, string(b))
		}
		return out
	}
	return []string{string(raw)}
}

// ErrorMessage returns the reported error, if any.
func (p *Prediction) ErrorMessage() string {
	switch e := p.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}

// Update converts the prediction into a runner update.
func (p *Prediction) Update() runner.Update {
	return runner.Update{
		Handler: p.ID,
		Status:  p.Status,
		Output:  p.Outputs(),
		Error:   p.ErrorMessage(),
	}
}

// ParseWebhook decodes a webhook body into a runner update.
func ParseWebhook(body []byte) (runner.Update, error) {
	var p Prediction
	if err := json.Unmarshal(body, &p); err != nil {
		return runner.Update{}, fmt.Errorf("decode prediction: %w", err)
	}
	if p.ID == "" || p.Status == "" {
		return runner.Update{}, fmt.Errorf("decode prediction: missing id or status")
	}
	return p.Update(), nil
}

// Client talks to the prediction API.
type Client struct {
	base  string
	token string
	http  *http.Client
	retry retry.Config
	log   logrus.FieldLogger
}

// NewClient creates an API client. An empty baseURL selects DefaultURL.
func NewClient(baseURL, token string, httpClient *http.Client, rc retry.Config, log logrus.FieldLogger) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  httpClient,
		retry: rc,
		log:   log.WithField("component", "replicate"),
	}
}

// CreateRequest selects the model to run and its input.
type CreateRequest struct {
	// Model is "owner/name"; it is used when Version is empty.
	Model   string
	Version string
	Input   map[string]any
	Webhook string
}

// Create starts a prediction.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Prediction, error) {
	body := map[string]any{"input": req.Input}
	path := "/v1/predictions"
	if req.Version != "" {
		body["version"] = req.Version
	} else {
		path = "/v1/models/" + req.Model + "/predictions"
	}
	if req.Webhook != "" {
		body["webhook"] = req.Webhook
		body["webhook_events_filter"] = []string{"start", "completed"}
	}

	var p Prediction
	if err := c.call(ctx, http.MethodPost, path, body, &p); err != nil {
		return nil, fmt.Errorf("create prediction: %w", err)
	}
	return &p, nil
}

// Get fetches a prediction.
func (c *Client) Get(ctx context.Context, id string) (*Prediction, error) {
	var p Prediction
	if err := c.call(ctx, http.MethodGet, "/v1/predictions/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, fmt.Errorf("get prediction: %w", err)
	}
	return &p, nil
}

// Cancel asks the API to stop a prediction.
func (c *Client) Cancel(ctx context.Context, id string) error {
	if err := c.call(ctx, http.MethodPost, "/v1/predictions/"+url.PathEscape(id)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel prediction: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}
	log := c.log.WithFields(logrus.Fields{"method": method, "path": path})
	_, err := retry.Do(ctx, c.retry, log, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return struct{}{}, err
		}
		if resp.StatusCode >= 400 {
			err := fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return struct{}{}, retry.Permanent(err)
			}
			return struct{}{}, err
		}
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return struct{}{}, nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return struct{}{}, retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return struct{}{}, nil
	})
	return err
}

package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/retry"
)

// Client talks to a ComfyUI server's HTTP API.
type Client struct {
	base     string
	clientID string
	http     *http.Client
	retry    retry.Config
	log      logrus.FieldLogger
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client, rc retry.Config, log logrus.FieldLogger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		clientID: "kiln",
		http:     httpClient,
		retry:    rc,
		log:      log.WithField("component", "comfyui"),
	}
}

// File is an output file reference in a history entry.
type File struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// History is the execution record of one prompt.
type History struct {
	Status struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs map[string]map[string]json.RawMessage `json:"outputs"`
}

// Failed reports whether the prompt ended with an error.
func (h *History) Failed() bool {
	return h.Status.StatusStr == "error"
}

// ErrorMessage extracts the exception message of a failed prompt.
func (h *History) ErrorMessage() string {
	for _, raw := range h.Status.Messages {
		var msg []json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil || len(msg) != 2 {
			continue
		}
		var kind string
		json.Unmarshal(msg[0], &kind)
		if kind != "execution_error" {
			continue
		}
		var body struct {
			NodeID    string `json:"node_id"`
			NodeType  string `json:"node_type"`
			Exception string `json:"exception_message"`
		}
		if err := json.Unmarshal(msg[1], &body); err == nil && body.Exception != "" {
			return fmt.Sprintf("node %s (%s): %s", body.NodeID, body.NodeType, strings.TrimSpace(body.Exception))
		}
	}
	return "workflow execution failed"
}

// Files lists the media files a prompt produced. When node is set only
// that node's outputs are returned; otherwise all nodes in id order.
func (h *History) Files(node string) []File {
	nodes := make([]string, 0, len(h.Outputs))
	for id := range h.Outputs {
		if node == "" || id == node {
			nodes = append(nodes, id)
		}
	}
	sort.Strings(nodes)

	var files []File
	for _, id := range nodes {
		out := h.Outputs[id]
		for _, kind := range []string{"images", "gifs", "videos", "audio"} {
			raw, ok := out[kind]
			if !ok {
				continue
			}
			var fs []File
			if err := json.Unmarshal(raw, &fs); err != nil {
				continue
			}
			for _, f := range fs {
				if f.Type == "temp" {
					continue
				}
				files = append(files, f)
			}
		}
	}
	return files
}

// Queue submits a workflow and returns its prompt id.
func (c *Client) Queue(ctx context.Context, g graph.Graph) (string, error) {
	body := map[string]any{"prompt": g, "client_id": c.clientID}
	var resp struct {
		PromptID   string         `json:"prompt_id"`
		Error      any            `json:"error"`
		NodeErrors map[string]any `json:"node_errors"`
	}
	if err := c.call(ctx, http.MethodPost, "/prompt", body, &resp); err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("queue prompt: rejected: %v", resp.Error)
	}
	return resp.PromptID, nil
}

// History returns the record of promptID, or nil while it is still queued
// or running.
func (c *Client) History(ctx context.Context, promptID string) (*History, error) {
	var resp map[string]*History
	if err := c.call(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	h, ok := resp[promptID]
	if !ok || (!h.Status.Completed && !h.Failed()) {
		return nil, nil
	}
	return h, nil
}

// ViewURL returns the download URL of an output file.
func (c *Client) ViewURL(f File) string {
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	q.Set("type", f.Type)
	return c.base + "/view?" + q.Encode()
}

// Interrupt removes promptID from the queue and stops it if it is the
// prompt being executed. A prompt that is only queued is never interrupted,
// since ComfyUI would stop whichever prompt is running instead.
func (c *Client) Interrupt(ctx context.Context, promptID string) error {
	var errs []error
	del := map[string]any{"delete": []string{promptID}}
	if err := c.call(ctx, http.MethodPost, "/queue", del, nil); err != nil {
		errs = append(errs, fmt.Errorf("dequeue prompt: %w", err))
	}

	running, err := c.Running(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	// When the queue is unreadable the interrupt is still sent; servers
	// that understand prompt_id only stop that prompt.
	if err != nil || slices.Contains(running, promptID) {
		body := map[string]any{"prompt_id": promptID}
		if err := c.call(ctx, http.MethodPost, "/interrupt", body, nil); err != nil {
			errs = append(errs, fmt.Errorf("interrupt: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Running returns the ids of the prompts being executed.
func (c *Client) Running(ctx context.Context) ([]string, error) {
	var resp struct {
		QueueRunning [][]json.RawMessage `json:"queue_running"`
	}
	if err := c.call(ctx, http.MethodGet, "/queue", nil, &resp); err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	var ids []string
	for _, entry := range resp.QueueRunning {
		if len(entry) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(entry[1], &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// call performs one JSON request with retries. Client errors are not
// retried.
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
			if resp.StatusCode < 500 {
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

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/kiln/internal/model"
)

func postRaw(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestReplicateWebhook(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "bob", 3)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/tasks", "bob", map[string]any{"tool": "remote", "args": map[string]any{"prompt": "hello?"}})
	created := decode[model.Task](t, resp)
	if created.Handler != "pred-"+created.ID {
		t.Fatalf("handler = %q", created.Handler)
	}

	resp = postRaw(t, ts.URL+"/v1/webhooks/replicate", `{"id":"`+created.Handler+`","status":"succeeded","output":"hello!"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	ack := decode[map[string]string](t, resp)
	if ack["task_id"] != created.ID || ack["status"] != model.StatusCompleted {
		t.Errorf("ack = %v", ack)
	}

	done := waitForStatus(t, ts.URL, created.ID, model.StatusCompleted)
	if len(done.Result) != 1 || done.Result[0].Value != "hello!" {
		t.Errorf("result = %+v", done.Result)
	}

	// A late failure for a finished prediction changes nothing.
	resp = postRaw(t, ts.URL+"/v1/webhooks/replicate", `{"id":"`+created.Handler+`","status":"failed","error":"late"}`)
	late := decode[map[string]string](t, resp)
	if late["status"] != model.StatusCompleted {
		t.Errorf("status = %q after late failure", late["status"])
	}
	if got := env.balance(t, "bob"); got != 0 {
		t.Errorf("balance = %v, want 0", got)
	}
}

func TestReplicateWebhookRejections(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{bad`, http.StatusBadRequest},
		{"missing status", `{"id":"p1"}`, http.StatusBadRequest},
		{"unknown prediction", `{"id":"p1","status":"succeeded","output":"x"}`, http.StatusNotFound},
	}
	for _, tc := range tests {
		resp := postRaw(t, ts.URL+"/v1/webhooks/replicate", tc.body)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

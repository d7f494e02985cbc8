//go:build integration

package integration

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"gopkg.in/yaml.v3"

	"brilliant-board/domain"
)

type client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

type boardSnapshot struct {
	Tasks    []domain.Task `json:"tasks"`
	Ready    bool          `json:"ready"`
	Degraded bool          `json:"degraded"`
}

type limits struct {
	VisibilitySLA time.Duration
	StreamTimeout time.Duration
}

// newClient targets BOARD_URL and skips when nothing answers there.
func newClient(t *testing.T, userID string) *client {
	t.Helper()
	base := strings.TrimRight(os.Getenv("BOARD_URL"), "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Skipf("skipping, board service not reachable: %v", err)
	}
	resp.Body.Close()

	bearer := os.Getenv("TEST_BEARER")
	if bearer == "" {
		tok, err := testToken(userID)
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
		bearer = tok
	}
	return &client{BaseURL: base, Bearer: bearer, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// testToken signs an HS256 token for the service's local or test auth mode.
func testToken(userID string) (string, error) {
	secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if secret == "" {
		secret = os.Getenv("TEST_JWT_SECRET")
	}
	if secret == "" {
		secret = "testsecret"
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (c *client) do(method, path string, body any, header http.Header, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := sonic.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp, nil
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *client) createTask(t *testing.T, nt domain.NewTask, header http.Header) domain.Task {
	t.Helper()
	var created domain.Task
	resp, err := c.do(http.MethodPost, "/api/tasks", nt, header, &created)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: status %d", resp.StatusCode)
	}
	return created
}

func (c *client) deleteTask(t *testing.T, id string) {
	t.Helper()
	resp, err := c.do(http.MethodDelete, "/api/tasks/"+id, nil, nil, nil)
	if err != nil {
		t.Fatalf("delete %s: %v", id, err)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete %s: status %d", id, resp.StatusCode)
	}
}

// pollBoard reloads the board until cond holds or the SLA passes. Reloading
// reads the row store, so a match means the mutation reached it.
func pollBoard(t *testing.T, c *client, sla time.Duration, cond func([]domain.Task) bool) []domain.Task {
	t.Helper()
	deadline := time.Now().Add(sla)
	backoff := 200 * time.Millisecond
	for {
		var snap boardSnapshot
		resp, err := c.do(http.MethodPost, "/api/board/reload", nil, nil, &snap)
		if err == nil && resp.StatusCode == http.StatusOK && !snap.Degraded && cond(snap.Tasks) {
			return snap.Tasks
		}
		if time.Now().After(deadline) {
			t.Fatalf("board did not converge within %s (err=%v)", sla, err)
		}
		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func findTask(tasks []domain.Task, id string) (domain.Task, bool) {
	for _, tk := range tasks {
		if tk.ID == id {
			return tk, true
		}
	}
	return domain.Task{}, false
}

func loadLimits(t *testing.T) limits {
	t.Helper()
	l := limits{VisibilitySLA: 10 * time.Second, StreamTimeout: 3 * time.Second}
	data, err := os.ReadFile("config.test.yaml")
	if err != nil {
		return l
	}
	var cfg struct {
		VisibilityMs int `yaml:"remote_visibility_sla_ms"`
		StreamMs     int `yaml:"stream_event_timeout_ms"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.test.yaml: %v", err)
	}
	if cfg.VisibilityMs > 0 {
		l.VisibilitySLA = time.Duration(cfg.VisibilityMs) * time.Millisecond
	}
	if cfg.StreamMs > 0 {
		l.StreamTimeout = time.Duration(cfg.StreamMs) * time.Millisecond
	}
	return l
}

func uniqueTitle(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

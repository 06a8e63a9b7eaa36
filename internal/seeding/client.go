package seeding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okian/saferide/internal/domain/ranking"
)

// Client talks to the saferide HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type villageBody struct {
	VillageName string `json:"village_name"`
}

type villageReply struct {
	VillageID   string `json:"village_id"`
	VillageName string `json:"village_name"`
}

type sessionBody struct {
	ScenarioID string `json:"scenario_id"`
	VillageID  string `json:"village_id"`
}

type sessionReply struct {
	SessionID string `json:"session_id"`
}

type userBody struct {
	VillageID string `json:"village_id"`
	Name      string `json:"name"`
	Age       int    `json:"age"`
	SessionID string `json:"session_id,omitempty"`
	Score     *int   `json:"score,omitempty"`
}

// Health checks that the service answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, http.StatusOK)
}

// CreateVillage creates (or fetches) a village by name and returns its id.
func (c *Client) CreateVillage(ctx context.Context, name string) (string, error) {
	var out villageReply
	if err := c.do(ctx, http.MethodPost, "/villages", villageBody{VillageName: name}, &out,
		http.StatusCreated, http.StatusOK); err != nil {
		return "", err
	}
	return out.VillageID, nil
}

// CreateSession starts a session and returns its id.
func (c *Client) CreateSession(ctx context.Context, scenarioID, villageID string) (string, error) {
	var out sessionReply
	if err := c.do(ctx, http.MethodPost, "/sessions", sessionBody{ScenarioID: scenarioID, VillageID: villageID}, &out,
		http.StatusCreated); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// CreateUser registers a participant.
func (c *Client) CreateUser(ctx context.Context, u userBody) error {
	return c.do(ctx, http.MethodPost, "/users", u, nil, http.StatusCreated)
}

// Ranking fetches the full village ranking.
func (c *Client) Ranking(ctx context.Context) ([]ranking.Entry, error) {
	var out []ranking.Entry
	if err := c.do(ctx, http.MethodGet, "/villages/ranking", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, want ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if !accepted(resp.StatusCode, want) {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func accepted(code int, want []int) bool {
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}

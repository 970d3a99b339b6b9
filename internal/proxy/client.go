// Package proxy implements the ProxyService: it asynchronously mirrors
// score changes and metadata (contests, tasks, teams, users, submissions,
// subchanges) to external ranking HTTP endpoints, guaranteeing eventual
// delivery with ordering preserved per resource.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("contest-core/proxy")

// Client talks to one external ranking endpoint over its RESTful PUT/DELETE
// surface with basic-auth credentials.
type Client struct {
	BaseURL  string
	Username string
	Password string
	HTTP     *http.Client
}

// NewClient returns a ranking endpoint client.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Username: username,
		Password: password,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is a non-2xx response from the ranking endpoint.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "ranking endpoint: unexpected status " + strconv.Itoa(e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	ctx, span := tracer.Start(ctx, "proxy.client."+method)
	defer span.End()

	var payload *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=proxy.client.marshal: %w", err)
		}
		payload = bytes.NewReader(b)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, payload)
	if err != nil {
		return fmt.Errorf("op=proxy.client.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.Username, c.Password)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("op=proxy.client.do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Put creates or updates one resource: PUT /{resource}/{key}.
func (c *Client) Put(ctx context.Context, resource, key string, body any) error {
	return c.do(ctx, http.MethodPut, "/"+resource+"/"+key, body)
}

// Delete removes one resource: DELETE /{resource}/{key}.
func (c *Client) Delete(ctx context.Context, resource, key string) error {
	return c.do(ctx, http.MethodDelete, "/"+resource+"/"+key, nil)
}

// PutSubchange appends one subchange record:
// PUT /subchanges/{submission_key}/{timestamp}. Timestamps are unix
// milliseconds so the endpoint can replay records in order.
func (c *Client) PutSubchange(ctx context.Context, submissionKey string, ts time.Time, body Subchange) error {
	return c.do(ctx, http.MethodPut, "/subchanges/"+submissionKey+"/"+strconv.FormatInt(ts.UnixMilli(), 10), body)
}

// Resource bodies, addressed by stable opaque keys.

// ContestResource mirrors a contest.
type ContestResource struct {
	Name  string `json:"name"`
	Begin int64  `json:"begin"`
	End   int64  `json:"end"`
}

// TaskResource mirrors a task.
type TaskResource struct {
	Name           string  `json:"name"`
	Contest        string  `json:"contest"`
	MaxScore       float64 `json:"max_score"`
	ScorePrecision int     `json:"score_precision"`
}

// TeamResource mirrors a team.
type TeamResource struct {
	Name string `json:"name"`
}

// UserResource mirrors a user.
type UserResource struct {
	FirstName string `json:"f_name"`
	LastName  string `json:"l_name"`
	Team      string `json:"team,omitempty"`
}

// SubmissionResource mirrors one submission: {user, task, time}.
type SubmissionResource struct {
	User string `json:"user"`
	Task string `json:"task"`
	Time int64  `json:"time"`
}

// Subchange is the append-only score/token delta the endpoint replays in
// timestamp order to reconstruct live history.
type Subchange struct {
	Score *float64 `json:"score,omitempty"`
	Token *bool    `json:"token,omitempty"`
	Extra []string `json:"extra,omitempty"`
}

package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"FlagChat/service/room"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Client resolves flags and subjects against the REST backend, which owns
// user/subject CRUD. The realtime core only reads from it.
type Client struct {
	base  string
	token string // service-to-service bearer token
	http  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		base:  baseURL,
		token: token,
		http:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) FlagStatus(ctx context.Context, userID string) (room.FlagStatus, error) {
	var out struct {
		FlagStatus room.FlagStatus `json:"flag_status"`
	}
	if err := c.get(ctx, fmt.Sprintf("/users/%s/flag-status", userID), &out); err != nil {
		return room.FlagNone, err
	}
	return out.FlagStatus, nil
}

func (c *Client) Subject(ctx context.Context, subjectID string) (*room.Subject, error) {
	var out room.Subject
	if err := c.get(ctx, fmt.Sprintf("/subjects/%s", subjectID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

// Package rest talks to the chat backend's HTTP API: message history,
// contact lists, and group management. The socket connection carries live
// traffic; everything fetched here is backfill or directory data.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/hugodiniz/papo/internal/roomkey"
	"github.com/hugodiniz/papo/internal/wire"
)

// Contact is one entry of the user directory.
type Contact struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Group is a named multi-party conversation.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Room returns the group's conversation key.
func (g Group) Room() roomkey.Key {
	return roomkey.DeriveGroup(g.ID)
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
}

// New creates a backend client. token is sent as a bearer credential on
// every request; it may be empty until login.
func New(baseURL, token string, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse rest base url: %w", err)
	}
	return &Client{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}, nil
}

// SetToken replaces the bearer credential, as after login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// History fetches the stored messages of a room, oldest first.
func (c *Client) History(ctx context.Context, room roomkey.Key) ([]wire.InboundMessage, error) {
	var records []wire.InboundMessage
	err := c.get(ctx, "/api/messages/"+url.PathEscape(string(room)), &records)
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", room, err)
	}
	return records, nil
}

// Contacts fetches the user directory visible to uid.
func (c *Client) Contacts(ctx context.Context, uid string) ([]Contact, error) {
	var contacts []Contact
	err := c.get(ctx, "/api/chat/users/"+url.PathEscape(uid), &contacts)
	if err != nil {
		return nil, fmt.Errorf("fetch contacts: %w", err)
	}
	return contacts, nil
}

// CreateGroup creates a group conversation with the given members and
// returns the server's record, including the assigned id.
func (c *Client) CreateGroup(ctx context.Context, name string, members []string) (*Group, error) {
	var group Group
	err := c.do(ctx, http.MethodPost, "/api/groups", Group{Name: name, Members: members}, &group)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return &group, nil
}

// AddMember adds a user to a group.
func (c *Client) AddMember(ctx context.Context, groupID, uid string) error {
	err := c.do(ctx, http.MethodPost, memberPath(groupID, uid), nil, nil)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a group.
func (c *Client) RemoveMember(ctx context.Context, groupID, uid string) error {
	err := c.do(ctx, http.MethodDelete, memberPath(groupID, uid), nil, nil)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func memberPath(groupID, uid string) string {
	return "/api/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(uid)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

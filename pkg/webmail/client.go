// Package webmail is a Go client for the webmail relay plus the UI state
// store built on top of it.
package webmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/brandon/webmail-relay/pkg/types"
)

const sessionHeader = "X-Session-Id"

// APIError is a non-2xx response from the relay
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

// IsAuthError reports whether err is a 401 from the relay, meaning the
// credentials were rejected or the session is gone.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// ErrNoSession is returned by calls that need a session before Connect.
var ErrNoSession = errors.New("webmail: not connected")

// Health is the relay's /health payload
type Health struct {
	Status      string `json:"status"`
	Environment string `json:"environment"`
	Timestamp   string `json:"timestamp"`
	Sessions    int    `json:"sessions"`
}

// Client calls the relay's HTTP endpoints and remembers the session id
// issued by Connect.
type Client struct {
	baseURL string
	http    *http.Client

	mu        sync.RWMutex
	sessionID string
}

// NewClient creates a client for the relay at baseURL, e.g.
// "http://localhost:3001/api". A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// SessionID returns the current session id, empty before Connect
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Connect logs in and stores the issued session id.
func (c *Client) Connect(ctx context.Context, email, password string) error {
	var resp struct {
		Success   bool   `json:"success"`
		SessionID string `json:"sessionId"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/connect", nil, body, &resp, false); err != nil {
		return err
	}
	if resp.SessionID == "" {
		return fmt.Errorf("webmail: connect response carried no session id")
	}
	c.setSessionID(resp.SessionID)
	return nil
}

// Disconnect ends the session. The local session id is dropped even if
// the relay cannot be reached.
func (c *Client) Disconnect(ctx context.Context) error {
	id := c.SessionID()
	if id == "" {
		return nil
	}
	c.setSessionID("")
	return c.doWithSession(ctx, id, http.MethodPost, "/disconnect", nil, map[string]string{"sessionId": id}, nil)
}

// Folders lists every folder of the mailbox
func (c *Client) Folders(ctx context.Context) ([]types.Folder, error) {
	var resp struct {
		Folders []types.Folder `json:"folders"`
	}
	if err := c.do(ctx, http.MethodGet, "/folders", nil, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Folders, nil
}

// Emails lists the newest messages in folder. A limit of 0 leaves the
// choice to the relay.
func (c *Client) Emails(ctx context.Context, folder string, limit int) ([]types.Email, error) {
	q := url.Values{"folder": {folder}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Emails []types.Email `json:"emails"`
	}
	if err := c.do(ctx, http.MethodGet, "/emails", q, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Emails, nil
}

// EmailBody fetches the HTML body of one message
func (c *Client) EmailBody(ctx context.Context, folder string, uid uint32) (string, error) {
	var resp struct {
		Body string `json:"body"`
	}
	if err := c.do(ctx, http.MethodGet, "/email-body", uidQuery(folder, uid), nil, &resp, true); err != nil {
		return "", err
	}
	return resp.Body, nil
}

// MarkRead sets the \Seen flag
func (c *Client) MarkRead(ctx context.Context, folder string, uid uint32) error {
	body := map[string]interface{}{"folder": folder, "uid": uid}
	return c.do(ctx, http.MethodPost, "/mark-read", nil, body, nil, true)
}

// ToggleStar flips the starred flag. starred is the state the caller
// currently shows; the relay sets the opposite.
func (c *Client) ToggleStar(ctx context.Context, folder string, uid uint32, starred bool) error {
	body := map[string]interface{}{"folder": folder, "uid": uid, "starred": starred}
	return c.do(ctx, http.MethodPost, "/toggle-star", nil, body, nil, true)
}

// Delete moves a message to the trash folder
func (c *Client) Delete(ctx context.Context, folder string, uid uint32) error {
	return c.do(ctx, http.MethodDelete, "/email", uidQuery(folder, uid), nil, nil, true)
}

// Move moves a message between folders
func (c *Client) Move(ctx context.Context, fromFolder string, uid uint32, toFolder string) error {
	body := map[string]interface{}{"fromFolder": fromFolder, "uid": uid, "toFolder": toFolder}
	return c.do(ctx, http.MethodPost, "/move", nil, body, nil, true)
}

type attachmentPayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Content     string `json:"content"`
}

type sendPayload struct {
	To          []string            `json:"to"`
	Cc          []string            `json:"cc,omitempty"`
	Bcc         []string            `json:"bcc,omitempty"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
}

// Send submits msg through the relay. Attachment content is sent base64
// encoded.
func (c *Client) Send(ctx context.Context, msg types.OutgoingMessage) error {
	payload := sendPayload{
		To:      msg.To,
		Cc:      msg.Cc,
		Bcc:     msg.Bcc,
		Subject: msg.Subject,
		Body:    msg.HTMLBody,
	}
	for _, a := range msg.Attachments {
		payload.Attachments = append(payload.Attachments, attachmentPayload{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     base64.StdEncoding.EncodeToString(a.Content),
		})
	}
	return c.do(ctx, http.MethodPost, "/send", nil, payload, nil, true)
}

// Health reports the relay's status. It needs no session.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &h, false)
	return h, err
}

func uidQuery(folder string, uid uint32) url.Values {
	return url.Values{
		"folder": {folder},
		"uid":    {strconv.FormatUint(uint64(uid), 10)},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}, needsSession bool) error {
	id := ""
	if needsSession {
		if id = c.SessionID(); id == "" {
			return ErrNoSession
		}
	}
	return c.doWithSession(ctx, id, method, path, query, in, out)
}

func (c *Client) doWithSession(ctx context.Context, sessionID, method, path string, query url.Values, in, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

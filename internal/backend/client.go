// Package backend provides an HTTP client for the external collaborators:
// the chat service, the monitoring service and the device catalog.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gridview/internal/domain"
)

// Endpoints holds the base URL of each collaborator.
type Endpoints struct {
	Chat       string
	Monitoring string
	Devices    string
}

// Client is an HTTP client for the collaborator APIs.
type Client struct {
	endpoints  Endpoints
	token      string
	httpClient *http.Client
}

// NewClient creates a new collaborator client. token is sent as a bearer
// credential when non-empty.
func NewClient(endpoints Endpoints, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoints: Endpoints{
			Chat:       strings.TrimSuffix(endpoints.Chat, "/"),
			Monitoring: strings.TrimSuffix(endpoints.Monitoring, "/"),
			Devices:    strings.TrimSuffix(endpoints.Devices, "/"),
		},
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CommandError is returned when a collaborator declines a request.
type CommandError struct {
	Command    string
	StatusCode int
	Message    string
}

func (e *CommandError) Error() string {
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		return fmt.Sprintf("%s rejected (status %d): %s", e.Command, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s rejected: %s", e.Command, e.Message)
}

// SubmitMessageRequest is the body of POST /chat/message.
type SubmitMessageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

type subjectRequest struct {
	UserID string `json:"user_id"`
}

// ack is the chat service's command acknowledgement. Declined commands
// still answer 200 with status "error".
type ack struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type sessionWire struct {
	UserID         string  `json:"user_id"`
	LastMessage    string  `json:"last_message"`
	LastActive     float64 `json:"last_active"`
	MessageCount   int     `json:"message_count"`
	AdminRequested bool    `json:"admin_requested"`
	AdminJoined    bool    `json:"admin_joined"`
}

type historyWire struct {
	Sender    string  `json:"sender"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

// SubmitMessage calls POST /chat/message.
func (c *Client) SubmitMessage(ctx context.Context, subjectID, text string, sender domain.Sender) error {
	req := &SubmitMessageRequest{UserID: subjectID, Text: text, Sender: sender.Wire()}
	return c.command(ctx, "submit message", c.endpoints.Chat+"/chat/message", req)
}

// RequestOperator calls POST /chat/request-admin.
func (c *Client) RequestOperator(ctx context.Context, subjectID string) error {
	return c.command(ctx, "request operator", c.endpoints.Chat+"/chat/request-admin", &subjectRequest{UserID: subjectID})
}

// JoinConversation calls POST /chat/join.
func (c *Client) JoinConversation(ctx context.Context, subjectID string) error {
	return c.command(ctx, "join conversation", c.endpoints.Chat+"/chat/join", &subjectRequest{UserID: subjectID})
}

// ListSessions calls GET /chat/sessions.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var wire []sessionWire
	if err := c.query(ctx, "list sessions", c.endpoints.Chat+"/chat/sessions", &wire); err != nil {
		return nil, err
	}

	sessions := make([]domain.Session, 0, len(wire))
	for _, w := range wire {
		sessions = append(sessions, domain.Session{
			SubjectID:      w.UserID,
			AdminRequested: w.AdminRequested,
			AdminJoined:    w.AdminJoined,
			LastActiveAt:   fromEpoch(w.LastActive),
			MessageCount:   w.MessageCount,
			LastMessage:    w.LastMessage,
		})
	}
	return sessions, nil
}

// History calls GET /chat/history/:user_id. Entries with an unknown
// sender are kept and attributed to the system.
func (c *Client) History(ctx context.Context, subjectID string) ([]domain.Message, error) {
	var wire []historyWire
	endpoint := c.endpoints.Chat + "/chat/history/" + url.PathEscape(subjectID)
	if err := c.query(ctx, "fetch history", endpoint, &wire); err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(wire))
	for _, w := range wire {
		sender, ok := domain.ParseSender(w.Sender)
		if !ok {
			sender = domain.SenderSystem
		}
		messages = append(messages, domain.Message{
			Sender:    sender,
			Text:      w.Text,
			SubjectID: subjectID,
			Timestamp: fromEpoch(w.Timestamp),
		})
	}
	return messages, nil
}

// HourlyHistory calls GET /monitoring/history/:device_id?date=YYYY-MM-DD.
func (c *Client) HourlyHistory(ctx context.Context, deviceID string, date domain.Date) ([]domain.HourlyValue, error) {
	endpoint := fmt.Sprintf("%s/monitoring/history/%s?date=%s",
		c.endpoints.Monitoring, url.PathEscape(deviceID), url.QueryEscape(date.String()))

	var values []domain.HourlyValue
	if err := c.query(ctx, "fetch hourly history", endpoint, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// UserDevices calls GET /devices/user/:user_id.
func (c *Client) UserDevices(ctx context.Context, userID string) ([]domain.Device, error) {
	var devices []domain.Device
	endpoint := c.endpoints.Devices + "/devices/user/" + url.PathEscape(userID)
	if err := c.query(ctx, "list user devices", endpoint, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Devices calls GET /devices.
func (c *Client) Devices(ctx context.Context) ([]domain.Device, error) {
	var devices []domain.Device
	if err := c.query(ctx, "list devices", c.endpoints.Devices+"/devices", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// DeviceOwner calls GET /devices/user-mapping/:device_id. The device
// service answers with the bare owner id, or an empty body when the
// device is unassigned.
func (c *Client) DeviceOwner(ctx context.Context, deviceID string) (string, error) {
	endpoint := c.endpoints.Devices + "/devices/user-mapping/" + url.PathEscape(deviceID)
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to look up device owner: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read device owner: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", rejection("look up device owner", resp.StatusCode, body)
	}
	return strings.Trim(strings.TrimSpace(string(body)), `"`), nil
}

func (c *Client) command(ctx context.Context, name, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", name, err)
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", name, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rejection(name, resp.StatusCode, respBody)
	}

	var a ack
	if len(bytes.TrimSpace(respBody)) > 0 && json.Unmarshal(respBody, &a) == nil && a.Status == "error" {
		return &CommandError{Command: name, StatusCode: resp.StatusCode, Message: firstNonEmpty(a.Message, a.Error, "declined")}
	}
	return nil
}

func (c *Client) query(ctx context.Context, name, endpoint string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return rejection(name, resp.StatusCode, respBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", name, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", "req_"+uuid.New().String()[:8])

	return c.httpClient.Do(req)
}

func rejection(name string, status int, body []byte) error {
	var a ack
	if json.Unmarshal(body, &a) == nil {
		if msg := firstNonEmpty(a.Message, a.Error); msg != "" {
			return &CommandError{Command: name, StatusCode: status, Message: msg}
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &CommandError{Command: name, StatusCode: status, Message: msg}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// fromEpoch converts the chat service's float seconds to a time.
func fromEpoch(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}

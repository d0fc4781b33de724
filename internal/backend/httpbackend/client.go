// Package httpbackend talks to the message log service over HTTP, with room
// deltas streamed over a websocket.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chat-sync/internal/backend"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

const defaultTimeout = 15 * time.Second

// Client implements backend.Backend against the message log service.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger
}

var _ backend.Backend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a client for the service at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: defaultTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: defaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "httpbackend")
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends a JSON request and decodes a 2xx body into out. Other statuses are
// mapped into the syncerr taxonomy.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, syncerr.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, syncerr.Transient(op, fmt.Errorf("decode response: %w", err))
			}
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, c.statusError(op, resp, out)
}

type errorBody struct {
	Error    string           `json:"error"`
	Message  string           `json:"message"`
	Presence *models.Presence `json:"presence"`
}

func (c *Client) statusError(op string, resp *http.Response, out any) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(firstNonEmpty(body.Message, body.Error, string(raw))))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncerr.Auth(op, cause)
	case resp.StatusCode == http.StatusConflict && body.Error == "stale_epoch":
		if p, ok := out.(*models.Presence); ok && body.Presence != nil {
			*p = *body.Presence
		}
		return fmt.Errorf("%s: %w", op, syncerr.ErrStaleEpoch)
	case resp.StatusCode == http.StatusConflict:
		return &syncerr.ConflictError{}
	case resp.StatusCode == http.StatusNotFound:
		return syncerr.Invalid("message_id", "unknown message")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return syncerr.Transient(op, cause)
	case resp.StatusCode >= 400:
		return syncerr.Invalid("request", firstNonEmpty(body.Message, body.Error, resp.Status))
	default:
		return syncerr.Transient(op, cause)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Append implements backend.MessageLog.
func (c *Client) Append(ctx context.Context, req models.AppendRequest) (models.Ack, error) {
	var ack models.Ack
	_, err := c.do(ctx, "append", http.MethodPost, "/rooms/"+url.PathEscape(req.RoomID)+"/messages", nil, req, &ack)
	if err != nil {
		var conflict *syncerr.ConflictError
		if errors.As(err, &conflict) {
			conflict.IdempotencyKey = req.IdempotencyKey
		}
		return models.Ack{}, err
	}
	return ack, nil
}

// History implements backend.MessageLog.
func (c *Client) History(ctx context.Context, roomID string, before models.Position, limit int) (models.Page, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before_ts", before.CreatedAt.UTC().Format(time.RFC3339Nano))
		q.Set("before_id", before.ID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page models.Page
	if _, err := c.do(ctx, "history", http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/history", q, nil, &page); err != nil {
		return models.Page{}, err
	}
	return page, nil
}

// React implements backend.MessageLog.
func (c *Client) React(ctx context.Context, roomID, messageID, kind string, delta int) (models.Message, error) {
	var msg models.Message
	path := "/rooms/" + url.PathEscape(roomID) + "/messages/" + url.PathEscape(messageID) + "/reactions"
	if _, err := c.do(ctx, "react", http.MethodPost, path, nil, models.ReactionRequest{Kind: kind, Delta: delta}, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// SetPresence implements backend.Presence. A stale write returns the stored
// presence alongside syncerr.ErrStaleEpoch.
func (c *Client) SetPresence(ctx context.Context, update models.PresenceUpdate) (models.Presence, error) {
	var p models.Presence
	_, err := c.do(ctx, "set presence", http.MethodPut, "/presence/"+url.PathEscape(update.UserID), nil, update, &p)
	return p, err
}

// GetPresence implements backend.Presence.
func (c *Client) GetPresence(ctx context.Context, userID string) (models.Presence, error) {
	var p models.Presence
	if _, err := c.do(ctx, "get presence", http.MethodGet, "/presence/"+url.PathEscape(userID), nil, nil, &p); err != nil {
		return models.Presence{}, err
	}
	return p, nil
}

// SubscribeDeltas implements backend.MessageLog over a websocket.
func (c *Client) SubscribeDeltas(ctx context.Context, roomID string, cursor models.Cursor) (backend.DeltaStream, error) {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/ws/rooms/" + url.PathEscape(roomID)
	u.RawQuery = url.Values{"cursor": {strconv.FormatInt(int64(cursor), 10)}}.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if resp != nil {
			defer resp.Body.Close()
			return nil, c.statusError("subscribe", resp, nil)
		}
		return nil, syncerr.Transient("subscribe", err)
	}
	c.logger.Debug("delta stream open", "room_id", roomID, "cursor", cursor)
	return newStream(conn), nil
}

func isNetClosed(err error) bool {
	var netErr net.Error
	return errors.Is(err, net.ErrClosed) || (errors.As(err, &netErr) && netErr.Timeout())
}

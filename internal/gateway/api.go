package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/zulandar/agrilink/internal/auth"
	"github.com/zulandar/agrilink/internal/models"
)

// File is an upload attached to a message or public request.
type File struct {
	Name   string
	Reader io.Reader
}

// OutgoingMessage is the multipart body of a session message.
type OutgoingMessage struct {
	Type      models.MessageType
	Content   string
	File      *File
	RequestID *int64
}

// SendResult is the backend's answer to a posted message. Content is set
// for uploads and holds the stored media path.
type SendResult struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content,omitempty"`
}

// StatusMessage is the generic {"message": ...} acknowledgement.
type StatusMessage struct {
	Message string `json:"message"`
}

// LoginResult is the body returned by /auth/login.
type LoginResult struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	User        struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// PublicRequestInput is the multipart body of a new public request.
type PublicRequestInput struct {
	Type    models.MessageType
	Content string
	File    *File
}

// RespondResult names the session pair opened by responding to a request.
type RespondResult struct {
	FarmerUsername string `json:"farmer_username"`
	ExpertUsername string `json:"expert_username"`
}

// Login exchanges email and password for credentials and installs them in
// the client's session.
func (c *Client) Login(ctx context.Context, email, password string) (auth.Credentials, error) {
	r, err := jsonRequest(http.MethodPost, "/auth/login", map[string]string{"email": email, "password": password})
	if err != nil {
		return auth.Credentials{}, err
	}
	r.anonymous = true

	var res LoginResult
	if err := c.do(ctx, r, &res); err != nil {
		return auth.Credentials{}, err
	}
	creds := auth.Credentials{
		UserID:   strconv.FormatInt(res.User.ID, 10),
		Username: res.User.Username,
		Role:     res.Role,
		Token:    res.AccessToken,
	}
	creds, err = c.session.Login(creds)
	if err != nil {
		return creds, fmt.Errorf("gateway: login: %w", err)
	}
	return creds, nil
}

// ListSessions returns the caller's sessions.
func (c *Client) ListSessions(ctx context.Context) ([]models.Session, error) {
	var out []models.Session
	if err := c.do(ctx, request{method: http.MethodGet, path: "/expert/sessions"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionMessages returns the unsorted history of the farmer/expert pair,
// optionally scoped to a request.
func (c *Client) SessionMessages(ctx context.Context, farmer, expert string, requestID *int64) ([]models.SessionMessage, error) {
	r := request{method: http.MethodGet, path: sessionPath(farmer, expert) + "/messages"}
	if requestID != nil {
		r.query = url.Values{"request_id": {strconv.FormatInt(*requestID, 10)}}
	}
	var out []models.SessionMessage
	if err := c.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a message to the session pair.
func (c *Client) SendMessage(ctx context.Context, farmer, expert string, msg OutgoingMessage) (SendResult, error) {
	fields := map[string]string{"message_type": string(msg.Type)}
	if msg.File == nil {
		fields["content"] = msg.Content
	}
	if msg.RequestID != nil {
		fields["request_id"] = strconv.FormatInt(*msg.RequestID, 10)
	}
	r, err := multipartRequest(http.MethodPost, sessionPath(farmer, expert)+"/message", fields, msg.File)
	if err != nil {
		return SendResult{}, err
	}
	var out SendResult
	if err := c.do(ctx, r, &out); err != nil {
		return SendResult{}, err
	}
	return out, nil
}

// EndSession ends the session between farmer and expert.
func (c *Client) EndSession(ctx context.Context, farmer, expert string) (StatusMessage, error) {
	r, err := jsonRequest(http.MethodPost, sessionPath(farmer, expert)+"/end", struct{}{})
	if err != nil {
		return StatusMessage{}, err
	}
	var out StatusMessage
	err = c.do(ctx, r, &out)
	return out, err
}

// DeleteSession deletes the session between farmer and expert.
func (c *Client) DeleteSession(ctx context.Context, farmer, expert string) (StatusMessage, error) {
	var out StatusMessage
	err := c.do(ctx, request{method: http.MethodDelete, path: sessionPath(farmer, expert)}, &out)
	return out, err
}

// UpdateCallStatus reports a call record's status to the backend.
func (c *Client) UpdateCallStatus(ctx context.Context, farmer, expert string, callID int64, status string) (StatusMessage, error) {
	r, err := jsonRequest(http.MethodPost, sessionPath(farmer, expert)+"/call_status", map[string]any{
		"call_id": callID,
		"status":  status,
	})
	if err != nil {
		return StatusMessage{}, err
	}
	var out StatusMessage
	err = c.do(ctx, r, &out)
	return out, err
}

// PublicRequests lists open public requests.
func (c *Client) PublicRequests(ctx context.Context) ([]models.PublicRequest, error) {
	var out []models.PublicRequest
	if err := c.do(ctx, request{method: http.MethodGet, path: "/expert/public_request"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePublicRequest posts a public request and returns its id.
func (c *Client) CreatePublicRequest(ctx context.Context, in PublicRequestInput) (int64, error) {
	fields := map[string]string{"request_type": string(in.Type)}
	if in.File == nil {
		fields["content"] = in.Content
	}
	r, err := multipartRequest(http.MethodPost, "/expert/public_request", fields, in.File)
	if err != nil {
		return 0, err
	}
	var out struct {
		RequestID int64 `json:"request_id"`
	}
	if err := c.do(ctx, r, &out); err != nil {
		return 0, err
	}
	return out.RequestID, nil
}

// RespondToRequest answers a public request with an opening text message.
func (c *Client) RespondToRequest(ctx context.Context, requestID int64, opening string) (RespondResult, error) {
	path := "/expert/public_request/" + strconv.FormatInt(requestID, 10) + "/respond"
	r, err := multipartRequest(http.MethodPost, path, map[string]string{
		"message_type": string(models.MessageText),
		"content":      opening,
	}, nil)
	if err != nil {
		return RespondResult{}, err
	}
	var out RespondResult
	if err := c.do(ctx, r, &out); err != nil {
		return RespondResult{}, err
	}
	return out, nil
}

// LiveComments returns the live-stream comment history.
func (c *Client) LiveComments(ctx context.Context) ([]models.LiveComment, error) {
	var out []models.LiveComment
	if err := c.do(ctx, request{method: http.MethodGet, path: "/live/comments"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostLiveComment posts a comment to the live stream.
func (c *Client) PostLiveComment(ctx context.Context, comment string) (StatusMessage, error) {
	r, err := jsonRequest(http.MethodPost, "/live/comment", map[string]string{"comment": comment})
	if err != nil {
		return StatusMessage{}, err
	}
	var out StatusMessage
	err = c.do(ctx, r, &out)
	return out, err
}

// LiveStream resolves the playback URL of a live channel.
func (c *Client) LiveStream(ctx context.Context, channel string) (string, error) {
	var out struct {
		StreamURL string `json:"stream_url"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, path: "/live/stream/" + url.PathEscape(channel)}, &out); err != nil {
		return "", err
	}
	return out.StreamURL, nil
}

func sessionPath(farmer, expert string) string {
	return "/expert/session/" + url.PathEscape(farmer) + "/" + url.PathEscape(expert)
}

// multipartRequest renders fields and an optional file part.
func multipartRequest(method, path string, fields map[string]string, file *File) (request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if err := w.WriteField(k, fields[k]); err != nil {
			return request{}, fmt.Errorf("gateway: encode %s: %w", path, err)
		}
	}
	if file != nil {
		part, err := w.CreateFormFile("file", file.Name)
		if err != nil {
			return request{}, fmt.Errorf("gateway: encode %s: %w", path, err)
		}
		if _, err := io.Copy(part, file.Reader); err != nil {
			return request{}, fmt.Errorf("gateway: read upload %s: %w", file.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return request{}, fmt.Errorf("gateway: encode %s: %w", path, err)
	}
	return request{method: method, path: path, body: &buf, contentType: w.FormDataContentType()}, nil
}

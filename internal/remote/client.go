package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"hireline/rtc-engine/pkg/models"
)

// APIError is a non-2xx response from the authoritative store.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote service returned %d", e.Status)
	}
	return fmt.Sprintf("remote service returned %d: %s", e.Status, e.Message)
}

type TextRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
}

type UploadRequest struct {
	ConversationID string
	Caption        string
	ReplyToID      string
	FileName       string
	ContentType    string
	Data           []byte
	VoiceDuration  int
}

// Client talks to the remote authoritative store over its REST surface.
// Timeouts are the caller's responsibility via ctx; the embedded http.Client
// carries no timeout of its own.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		logger:  logger.With("component", "remote"),
	}
}

func (c *Client) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.getJSON(ctx, "/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FetchHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/conversations/%s/messages?limit=%d", conversationID, limit)
	var out []models.Message
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendText(ctx context.Context, req TextRequest) (models.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.Message{}, err
	}
	path := fmt.Sprintf("/conversations/%s/messages", req.ConversationID)
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return models.Message{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out models.Message
	if err := c.do(httpReq, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// UploadAttachment performs the multi-part upload: binary payload plus the
// destination conversation, optional caption, reply reference, and voice
// duration, with an explicit declared content type for the file part.
func (c *Client) UploadAttachment(ctx context.Context, req UploadRequest) (models.Message, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("conversation_id", req.ConversationID); err != nil {
		return models.Message{}, err
	}
	if req.Caption != "" {
		if err := writer.WriteField("caption", req.Caption); err != nil {
			return models.Message{}, err
		}
	}
	if req.ReplyToID != "" {
		if err := writer.WriteField("reply_to_id", req.ReplyToID); err != nil {
			return models.Message{}, err
		}
	}
	if req.VoiceDuration > 0 {
		if err := writer.WriteField("voice_duration_sec", strconv.Itoa(req.VoiceDuration)); err != nil {
			return models.Message{}, err
		}
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.FileName))
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := part.Write(req.Data); err != nil {
		return models.Message{}, err
	}
	if err := writer.Close(); err != nil {
		return models.Message{}, err
	}

	path := fmt.Sprintf("/conversations/%s/attachments", req.ConversationID)
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return models.Message{}, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	var out models.Message
	if err := c.do(httpReq, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/conversations/%s/read", conversationID)
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	return c.do(httpReq, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var decoded struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&decoded); err == nil {
			if decoded.Error != "" {
				apiErr.Message = decoded.Error
			} else {
				apiErr.Message = decoded.Message
			}
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

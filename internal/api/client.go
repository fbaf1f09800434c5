package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/npezzotti/go-livechat/internal/types"
)

const (
	allMessagesPath = "all-messages"
	onDemandPath    = "get-messages-on-demand"
	translatePath   = "translate"

	tokenCookieKey = "token"
)

// FetchParams identifies the room and viewer a message fetch is for.
type FetchParams struct {
	ChatroomId  int
	Selection   types.Selection
	ViewerId    int
	BillingMode string
}

// Client calls the HTTP side of the chat backend.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
	log   *log.Logger
}

func NewClient(baseURL, token string, logger *log.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", baseURL)
	}

	return &Client{
		base:  u,
		http:  &http.Client{Timeout: 15 * time.Second},
		token: token,
		log:   logger,
	}, nil
}

type messagesResponse struct {
	Messages []types.Message `json:"messages"`
}

// FetchAll loads the full message sequence of a room rendered for the
// selection.
func (c *Client) FetchAll(ctx context.Context, p FetchParams) ([]types.Message, error) {
	u := c.messagesURL(allMessagesPath, p)
	var resp messagesResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("fetch all messages: %w", err)
	}
	return resp.Messages, nil
}

// FetchOnDemand loads only the given messages rendered for the selection.
func (c *Client) FetchOnDemand(ctx context.Context, p FetchParams, ids []types.MessageID) ([]types.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	u := c.messagesURL(onDemandPath, p, types.JoinCSV(ids))
	var resp messagesResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("fetch messages on demand: %w", err)
	}
	return resp.Messages, nil
}

type translateRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

type translateResponse struct {
	TranslatedText string `json:"translated_text"`
}

// Translate requests a one-off translation of text.
func (c *Client) Translate(ctx context.Context, text, source, target string) (string, error) {
	body, err := json.Marshal(translateRequest{Text: text, SourceLanguage: source, TargetLanguage: target})
	if err != nil {
		return "", fmt.Errorf("encode translate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(translatePath).String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp translateResponse
	if err := c.do(req, &resp); err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	return resp.TranslatedText, nil
}

func (c *Client) messagesURL(endpoint string, p FetchParams, extra ...string) *url.URL {
	segments := append([]string{
		endpoint,
		strconv.Itoa(p.ChatroomId),
		p.Selection.Single,
		p.Selection.First,
		p.Selection.Second,
		strconv.FormatBool(p.Selection.IsSplit),
	}, extra...)

	u := c.base.JoinPath(segments...)
	q := u.Query()
	q.Set("user_id", strconv.Itoa(p.ViewerId))
	if p.BillingMode != "" {
		q.Set("billing_mode", p.BillingMode)
	}
	u.RawQuery = q.Encode()
	return u
}

func (c *Client) get(ctx context.Context, u *url.URL, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: c.token})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newApiError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"swiftservice/internal/domain/entity"
	"swiftservice/internal/domain/repository"
	apperrors "swiftservice/pkg/errors"
	"swiftservice/pkg/logger"
	"swiftservice/pkg/response"
)

// TokenSource supplies the bearer token sent with every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type ClientConfig struct {
	BaseURL         string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// Client is the REST collaborator for conversations and messages.
type Client struct {
	http   *http.Client
	conf   ClientConfig
	tokens TokenSource
}

var _ repository.ConversationAPI = (*Client)(nil)

func NewClient(conf ClientConfig, tokens TokenSource) *Client {
	if conf.Timeout <= 0 {
		conf.Timeout = 15 * time.Second
	}
	if conf.RetryMaxElapsed <= 0 {
		conf.RetryMaxElapsed = 10 * time.Second
	}
	if conf.MaxIdleConns <= 0 {
		conf.MaxIdleConns = 10
	}
	if conf.IdleConnTimeout <= 0 {
		conf.IdleConnTimeout = 90 * time.Second
	}
	tr := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    conf.MaxIdleConns,
		IdleConnTimeout: conf.IdleConnTimeout,
	}
	return &Client{
		http:   &http.Client{Transport: tr, Timeout: conf.Timeout},
		conf:   conf,
		tokens: tokens,
	}
}

type createConversationRequest struct {
	OtherUserID string `json:"otherUserId"`
}

type createConversationResponse struct {
	ConversationID string `json:"conversationId"`
}

func (c *Client) CreateOrGetConversation(ctx context.Context, otherUserID string) (string, error) {
	if otherUserID == "" {
		return "", apperrors.BadRequest("other user id is required", nil)
	}
	var out createConversationResponse
	if err := c.do(ctx, http.MethodPost, "/messages/conversations", createConversationRequest{OtherUserID: otherUserID}, &out); err != nil {
		return "", err
	}
	if out.ConversationID == "" {
		return "", apperrors.Upstream("create-or-get returned no conversation id", http.StatusOK, nil)
	}
	return out.ConversationID, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]entity.Conversation, error) {
	var out []entity.Conversation
	if err := c.do(ctx, http.MethodGet, "/messages/conversations", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []entity.Conversation{}
	}
	return out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]entity.Message, error) {
	var out []entity.Message
	if err := c.do(ctx, http.MethodGet, "/messages/messages/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []entity.Message{}
	}
	return out, nil
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPatch, "/messages/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// do sends one request and decodes the envelope into out. GETs are
// retried on transport errors and 5xx until RetryMaxElapsed.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNoToken) {
			return err
		}
		return apperrors.NoToken(err)
	}
	if token == "" {
		return apperrors.NoToken(nil)
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return apperrors.Internal("encode request body", err)
		}
	}

	var result error
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.conf.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(apperrors.Internal("build request", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return apperrors.Upstream(method+" "+path+" failed", 0, err)
		}
		defer resp.Body.Close()

		// treat 5xx as retryable
		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return apperrors.Upstream(method+" "+path+" failed", resp.StatusCode, nil)
		}
		result = response.Decode(resp, out)
		return nil
	}

	if method != http.MethodGet {
		err = operation()
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = c.conf.RetryMaxElapsed
		err = backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			logger.Warn("rest: %s %s retrying in %s: %v", method, path, wait, err)
		})
	}
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.Upstream(method+" "+path+" cancelled", 0, ctx.Err())
		}
		return err
	}
	return result
}

package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "swiftservice/pkg/errors"
)

const (
	defaultIdentityURL    = "https://identitytoolkit.googleapis.com/v1"
	defaultSecureTokenURL = "https://securetoken.googleapis.com/v1"
)

// credentials is what every sign-in or refresh call yields.
type credentials struct {
	UID          string
	IDToken      string
	RefreshToken string
	ExpiresIn    time.Duration
}

// authClient talks to the Firebase Auth REST endpoints that end-user
// clients use.
type authClient struct {
	apiKey         string
	httpClient     *http.Client
	identityURL    string
	secureTokenURL string
}

type signInResponse struct {
	LocalID      string `json:"localId"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type refreshResponse struct {
	UserID       string `json:"user_id"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *authClient) signInWithPassword(ctx context.Context, email, password string) (*credentials, error) {
	var out signInResponse
	err := c.postJSON(ctx, c.identityURL+"/accounts:signInWithPassword", map[string]interface{}{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &credentials{
		UID:          out.LocalID,
		IDToken:      out.IDToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    parseSeconds(out.ExpiresIn),
	}, nil
}

func (c *authClient) exchangeCustomToken(ctx context.Context, customToken string) (*credentials, error) {
	var out signInResponse
	err := c.postJSON(ctx, c.identityURL+"/accounts:signInWithCustomToken", map[string]interface{}{
		"token":             customToken,
		"returnSecureToken": true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &credentials{
		UID:          out.LocalID,
		IDToken:      out.IDToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    parseSeconds(out.ExpiresIn),
	}, nil
}

func (c *authClient) refresh(ctx context.Context, refreshToken string) (*credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.secureTokenURL+"/token?key="+url.QueryEscape(c.apiKey), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.Internal("build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out refreshResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &credentials{
		UID:          out.UserID,
		IDToken:      out.IDToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    parseSeconds(out.ExpiresIn),
	}, nil
}

func (c *authClient) postJSON(ctx context.Context, endpoint string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.Internal("encode auth request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"?key="+url.QueryEscape(c.apiKey), bytes.NewReader(payload))
	if err != nil {
		return apperrors.Internal("build auth request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *authClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Upstream("identity provider unreachable", 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Upstream("read identity response", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		// The identity toolkit reports bad credentials as 400s.
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return apperrors.Unauthorized(msg, nil)
		}
		return apperrors.Upstream(msg, resp.StatusCode, nil)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Upstream(fmt.Sprintf("decode %T", out), resp.StatusCode, err)
	}
	return nil
}

func parseSeconds(s string) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return time.Hour
	}
	return time.Duration(n) * time.Second
}

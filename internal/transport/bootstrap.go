package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TURNInfo is the ICE/TURN credential bundle returned by bootstrap.
type TURNInfo struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int      `json:"ttl"`
	URIs     []string `json:"uris"`
}

// ConnectResponse is the bootstrap HTTP response body.
type ConnectResponse struct {
	OK    bool       `json:"ok"`
	URL   string     `json:"url"`
	TURN  *TURNInfo  `json:"turn,omitempty"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// Bootstrapper issues the HTTP requests that precede the WebSocket dial:
// obtaining the connect URL (and optional TURN credentials) and refreshing
// TURN credentials independently thereafter.
type Bootstrapper struct {
	ConnectEndpoint string
	TurnEndpoint    string
	AuthType        string
	AuthValue       string

	HTTP *http.Client
}

// NewBootstrapper returns a Bootstrapper with a 10s-timeout HTTP client.
func NewBootstrapper(connectEndpoint, turnEndpoint string) *Bootstrapper {
	return &Bootstrapper{
		ConnectEndpoint: connectEndpoint,
		TurnEndpoint:    turnEndpoint,
		HTTP:            &http.Client{Timeout: 10 * time.Second},
	}
}

// Connect performs the bootstrap POST: form body
// {<authMode>: <identifier>, auth?: <token>}, optional Authorization
// header. A non-2xx response is mapped to an http_error_<n> code.
func (b *Bootstrapper) Connect(ctx context.Context, authMode, identifier, authToken string) (ConnectResponse, error) {
	return b.post(ctx, b.ConnectEndpoint, authMode, identifier, authToken)
}

// RefreshTURN performs the same request shape against the TURN endpoint,
// used by the 90%-of-ttl refresher.
func (b *Bootstrapper) RefreshTURN(ctx context.Context, authMode, identifier, authToken string) (ConnectResponse, error) {
	return b.post(ctx, b.TurnEndpoint, authMode, identifier, authToken)
}

func (b *Bootstrapper) post(ctx context.Context, endpoint, authMode, identifier, authToken string) (ConnectResponse, error) {
	var out ConnectResponse

	form := url.Values{}
	form.Set(authMode, identifier)
	if authToken != "" {
		form.Set("auth", authToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return out, fmt.Errorf("request_failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if b.AuthType != "" {
		req.Header.Set("Authorization", b.AuthType+" "+b.AuthValue)
	}

	client := b.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return out, fmt.Errorf("request_failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return ConnectResponse{
			OK: false,
			Error: &ErrorInfo{
				Code: fmt.Sprintf("http_error_%d", resp.StatusCode),
				Msg:  resp.Status,
			},
		}, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("request_failed: decode: %w", err)
	}
	return out, nil
}

// IsPermanent reports whether a bootstrap failure should disable
// auto-reconnect (HTTP 401, 403 and 404).
func (r ConnectResponse) IsPermanent() bool {
	if r.Error == nil {
		return false
	}
	switch r.Error.Code {
	case "http_error_401", "http_error_403", "http_error_404":
		return true
	default:
		return false
	}
}

package mobilelink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/mobilelink/pkg/common"
	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/types"
)

const (
	defaultBaseURL      = "https://app.mobilelinkgen.com"
	defaultLoginBaseURL = "https://generacconnectivity.b2clogin.com/generacconnectivity.onmicrosoft.com/B2C_1A_MobileLink_SignIn"

	apparatusListPath    = "api/v2/Apparatus/list"
	apparatusDetailsPath = "api/v1/Apparatus/details"

	// responses are small JSON documents, anything bigger is a login page
	maxBodyBytes = 4 << 20
	snippetLen   = 120
)

var (
	// ErrAuth is returned when the vendor rejects the cookie or credentials.
	// Check it with errors.Is; the concrete error is an *AuthError.
	ErrAuth = errors.New("mobile link authorization failed")

	// ErrAPI is returned for failures unrelated to authorization. These are
	// treated as transient by the poller.
	ErrAPI = errors.New("mobile link api error")
)

// Client is a minimal Mobile Link dashboard client. It is stateless; the
// cookie is passed on every call so one Client can serve many entries.
type Client struct {
	client       *http.Client
	baseURL      string
	loginBaseURL string
}

// New returns a client talking to the given dashboard and sign-in base URLs.
// An empty loginBaseURL uses the production sign-in tenant.
func New(client *http.Client, baseURL, loginBaseURL string) *Client {
	if loginBaseURL == "" {
		loginBaseURL = defaultLoginBaseURL
	}
	return &Client{
		client:       client,
		baseURL:      strings.TrimRight(baseURL, "/"),
		loginBaseURL: strings.TrimRight(loginBaseURL, "/"),
	}
}

// Configured sets up flags for the Mobile Link client and returns the
// instance. It uses lflag to register command-line flags for configuration.
func Configured() *Client {
	c := &Client{}
	baseURL := lflag.String("mobilelink-base-url", defaultBaseURL, "Base URL of the Mobile Link dashboard")
	loginBaseURL := lflag.String("mobilelink-login-base-url", defaultLoginBaseURL, "Base URL of the Mobile Link sign-in tenant")
	timeout := lflag.Duration("mobilelink-timeout", 30*time.Second, "Timeout for each request to Mobile Link")

	lflag.Do(func() {
		c.client = common.HTTPClient(*timeout)
		c.baseURL = strings.TrimRight(*baseURL, "/")
		c.loginBaseURL = strings.TrimRight(*loginBaseURL, "/")
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	for name, raw := range map[string]string{"mobilelink-base-url": c.baseURL, "mobilelink-login-base-url": c.loginBaseURL} {
		if raw == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("failed to parse %s (%s): %w", name, raw, err)
		}
	}
	return nil
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, cookie string) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	return req, nil
}

// doJSON performs the request and returns the raw JSON body. Authorization
// failures often come back as HTML (login or bot block page) rather than a
// 401, so anything that is not JSON is treated as an authorization failure.
func (c *Client) doJSON(req *http.Request) (json.RawMessage, error) {
	ctx := req.Context()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAPI, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrAPI, req.URL.Path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		log.Ctx(ctx).DebugContext(ctx, "mobile link rejected request", slog.Int("status", resp.StatusCode), slog.String("path", req.URL.Path))
		return nil, &AuthError{
			Code:    codeForStatus(resp.StatusCode, body),
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("HTTP %d: unauthorized/forbidden", resp.StatusCode),
			Body:    snippet(body),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrAPI, resp.StatusCode, req.URL.Path)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		if contentType == "" {
			contentType = "unknown content-type"
		}
		return nil, &AuthError{
			Code:    codeForBody(body, CodeSessionExpired),
			Status:  resp.StatusCode,
			Message: "expected JSON but got " + contentType,
			Body:    snippet(body),
		}
	}

	if !json.Valid(body) {
		// the dashboard answers an expired session with a truncated page under
		// a JSON content type, so this pauses the entry instead of being a
		// malformed reading
		return nil, &AuthError{
			Code:    CodeSessionExpired,
			Status:  resp.StatusCode,
			Message: "failed to parse JSON",
			Body:    snippet(body),
		}
	}
	return json.RawMessage(body), nil
}

// GetApparatusList returns every apparatus on the account as raw JSON
// objects. Call ParsePropaneTanks to keep only the tanks.
func (c *Client) GetApparatusList(ctx context.Context, cookie string) ([]json.RawMessage, error) {
	req, err := c.newGetRequest(ctx, apparatusListPath, cookie)
	if err != nil {
		return nil, err
	}
	body, err := c.doJSON(req)
	if err != nil {
		return nil, err
	}
	if !startsWith(body, '[') {
		return nil, fmt.Errorf("%w: unexpected apparatus list shape: %s", ErrAPI, jsonKind(body))
	}

	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: failed to decode apparatus list: %w", ErrAPI, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "mobile link apparatus list", slog.Int("count", len(list)))
	return list, nil
}

// DiscoverPropaneTanks lists the apparatus on the account and returns the
// propane tanks along with the reading that came with the list.
func (c *Client) DiscoverPropaneTanks(ctx context.Context, cookie string) ([]types.TankReading, error) {
	list, err := c.GetApparatusList(ctx, cookie)
	if err != nil {
		return nil, err
	}
	tanks := ParsePropaneTanks(ctx, list)
	now := time.Now().UTC()
	for i := range tanks {
		tanks[i].Reading.FetchedAt = now
	}
	return tanks, nil
}

// GetTank fetches the detail document of one apparatus and parses it.
func (c *Client) GetTank(ctx context.Context, cookie string, apparatusID int64) (types.TankReading, error) {
	req, err := c.newGetRequest(ctx, apparatusDetailsPath+"/"+strconv.FormatInt(apparatusID, 10), cookie)
	if err != nil {
		return types.TankReading{}, err
	}
	body, err := c.doJSON(req)
	if err != nil {
		return types.TankReading{}, err
	}
	if !startsWith(body, '{') {
		return types.TankReading{}, fmt.Errorf("%w: unexpected apparatus details shape: %s", ErrAPI, jsonKind(body))
	}

	// some detail responses leave the id out
	tr, err := parseApparatus(body, apparatusID)
	if err != nil {
		return types.TankReading{}, fmt.Errorf("%w: %w", ErrAPI, err)
	}
	tr.Reading.FetchedAt = time.Now().UTC()

	log.Ctx(ctx).DebugContext(ctx, "mobile link tank details",
		slog.Int64("apparatusID", apparatusID),
		slog.Bool("connected", tr.Reading.IsConnected),
		slog.Bool("hasFuelLevel", tr.Reading.FuelLevel != nil),
	)
	return tr, nil
}

func startsWith(b []byte, c byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == c
}

func jsonKind(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return "empty"
	}
	switch b[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 'n':
		return "null"
	case 't', 'f':
		return "bool"
	default:
		return "number"
	}
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > snippetLen {
		s = s[:snippetLen]
	}
	return s
}

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
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/raterudder/mobilelink/pkg/common"
	"github.com/raterudder/mobilelink/pkg/log"
)

const (
	signInPath        = "api/Auth/SignIn"
	selfAssertedPath  = "SelfAsserted"
	confirmedPath     = "api/CombinedSigninAndSignup/confirmed"
	defaultPolicyName = "B2C_1A_MobileLink_SignIn"
)

var settingsRe = regexp.MustCompile(`(?s)var SETTINGS = (\{.*?\});`)

// signInSettings is the subset of the sign-in page's SETTINGS object we need.
type signInSettings struct {
	CSRF    string `json:"csrf"`
	TransID string `json:"transId"`
	Hosts   struct {
		Policy string `json:"policy"`
	} `json:"hosts"`
}

type selfAssertedResult struct {
	Status    string `json:"status"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// Login runs the interactive sign-in with an email and password and returns
// the dashboard cookies as a single Cookie header value. All failures caused
// by the account or by bot protection are *AuthError; everything else wraps
// ErrAPI.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	if email == "" {
		return "", &AuthError{Code: CodeInvalidCredentials, Message: "missing email"}
	}
	if password == "" {
		return "", &AuthError{Code: CodeInvalidCredentials, Message: "missing password"}
	}

	client, jar, err := common.HTTPClientWithJar(c.client)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create cookie jar: %w", ErrAPI, err)
	}

	log.Ctx(ctx).DebugContext(ctx, "logging in to mobile link")

	// 1. the dashboard redirects to the sign-in tenant which embeds a csrf
	// token and transaction id in the page
	settings, err := c.loadSignInPage(ctx, client, email)
	if err != nil {
		return "", err
	}
	policy := settings.Hosts.Policy
	if policy == "" {
		policy = defaultPolicyName
	}

	// 2. submit the credentials
	if err := c.submitCredentials(ctx, client, settings, policy, email, password); err != nil {
		return "", err
	}

	// 3. the confirmation page holds a self-submitting form back to the
	// dashboard carrying the authorization code
	action, fields, err := c.loadConfirmation(ctx, client, settings, policy)
	if err != nil {
		return "", err
	}

	// 4. post the form, which makes the dashboard issue its session cookies
	if err := postForm(ctx, client, action, fields); err != nil {
		return "", err
	}

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	cookies := jar.Cookies(base)
	if len(cookies) == 0 {
		return "", &AuthError{Code: CodeUnknown, Message: "sign-in completed but no dashboard cookies were issued"}
	}
	parts := make([]string, len(cookies))
	for i, ck := range cookies {
		parts[i] = ck.Name + "=" + ck.Value
	}
	log.Ctx(ctx).DebugContext(ctx, "mobile link login success", slog.Int("cookies", len(cookies)))
	return strings.Join(parts, "; "), nil
}

func (c *Client) loadSignInPage(ctx context.Context, client *http.Client, email string) (signInSettings, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return signInSettings{}, err
	}
	u.Path, err = url.JoinPath(u.Path, signInPath)
	if err != nil {
		return signInSettings{}, err
	}
	u.RawQuery = url.Values{"email": {email}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return signInSettings{}, err
	}
	body, status, err := doRaw(client, req)
	if err != nil {
		return signInSettings{}, err
	}
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return signInSettings{}, &AuthError{Code: codeForBody(body, CodeAccessDenied), Status: status, Message: "sign-in page refused", Body: snippet(body)}
	}
	if status != http.StatusOK {
		return signInSettings{}, fmt.Errorf("%w: sign-in page returned status %d", ErrAPI, status)
	}

	m := settingsRe.FindSubmatch(body)
	if m == nil {
		return signInSettings{}, &AuthError{Code: codeForBody(body, CodeUnknown), Status: status, Message: "sign-in page did not contain SETTINGS", Body: snippet(body)}
	}
	var s signInSettings
	if err := json.Unmarshal(m[1], &s); err != nil {
		return signInSettings{}, &AuthError{Code: CodeUnknown, Status: status, Message: "failed to parse sign-in SETTINGS: " + err.Error()}
	}
	if s.CSRF == "" || s.TransID == "" {
		return signInSettings{}, &AuthError{Code: CodeUnknown, Status: status, Message: "sign-in SETTINGS missing csrf or transId"}
	}
	return s, nil
}

func (c *Client) submitCredentials(ctx context.Context, client *http.Client, s signInSettings, policy, email, password string) error {
	u, err := url.Parse(c.loginBaseURL)
	if err != nil {
		return err
	}
	u.Path, err = url.JoinPath(u.Path, selfAssertedPath)
	if err != nil {
		return err
	}
	u.RawQuery = url.Values{"tx": {s.TransID}, "p": {policy}}.Encode()

	form := url.Values{}
	form.Set("request_type", "RESPONSE")
	form.Set("signInName", email)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-CSRF-TOKEN", s.CSRF)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	body, status, err := doRaw(client, req)
	if err != nil {
		return err
	}
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return &AuthError{Code: codeForBody(body, CodeAccessDenied), Status: status, Message: "credential submission refused", Body: snippet(body)}
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: credential submission returned status %d", ErrAPI, status)
	}

	var res selfAssertedResult
	if err := json.Unmarshal(body, &res); err != nil {
		return &AuthError{Code: codeForBody(body, CodeUnknown), Status: status, Message: "unexpected credential submission response", Body: snippet(body)}
	}
	if res.Status != "200" {
		log.Ctx(ctx).WarnContext(ctx, "mobile link rejected credentials", slog.String("errorCode", res.ErrorCode), slog.String("message", res.Message))
		return &AuthError{Code: codeForLoginMessage(res.Message), Status: status, Message: res.Message}
	}
	return nil
}

func (c *Client) loadConfirmation(ctx context.Context, client *http.Client, s signInSettings, policy string) (string, url.Values, error) {
	u, err := url.Parse(c.loginBaseURL)
	if err != nil {
		return "", nil, err
	}
	u.Path, err = url.JoinPath(u.Path, confirmedPath)
	if err != nil {
		return "", nil, err
	}
	u.RawQuery = url.Values{"rememberMe": {"false"}, "csrf_token": {s.CSRF}, "tx": {s.TransID}, "p": {policy}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, err
	}
	body, status, err := doRaw(client, req)
	if err != nil {
		return "", nil, err
	}
	if status != http.StatusOK {
		return "", nil, fmt.Errorf("%w: sign-in confirmation returned status %d", ErrAPI, status)
	}

	action, fields, err := parseHiddenForm(body)
	if err != nil {
		return "", nil, &AuthError{Code: codeForBody(body, CodeUnknown), Status: status, Message: err.Error(), Body: snippet(body)}
	}
	if fields.Get("code") == "" {
		// B2C puts error details in the same form when the code is missing
		msg := fields.Get("error_description")
		if msg == "" {
			msg = "sign-in confirmation did not include an authorization code"
		}
		return "", nil, &AuthError{Code: codeForLoginMessage(msg), Status: status, Message: msg}
	}
	actionURL, err := req.URL.Parse(action)
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid sign-in form action %q: %w", ErrAPI, action, err)
	}
	return actionURL.String(), fields, nil
}

func postForm(ctx context.Context, client *http.Client, action string, fields url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(fields.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, status, err := doRaw(client, req)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("%w: sign-in callback returned status %d", ErrAPI, status)
	}
	return nil
}

func doRaw(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrAPI, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading %s: %w", ErrAPI, req.URL.Path, err)
	}
	return body, resp.StatusCode, nil
}

// parseHiddenForm returns the action and hidden inputs of the first form.
func parseHiddenForm(body []byte) (string, url.Values, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse sign-in confirmation: %w", err)
	}

	var form *html.Node
	var find func(*html.Node)
	find = func(n *html.Node) {
		if form != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "form" {
			form = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	if form == nil {
		return "", nil, errors.New("sign-in confirmation did not contain a form")
	}

	action := attr(form, "action")
	fields := url.Values{}
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			if name := attr(n, "name"); name != "" {
				fields.Add(name, attr(n, "value"))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(form)
	if action == "" {
		return "", nil, errors.New("sign-in form has no action")
	}
	return action, fields, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

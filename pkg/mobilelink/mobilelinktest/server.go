// Package mobilelinktest runs a fake Mobile Link dashboard and sign-in tenant
// for tests.
package mobilelinktest

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

const (
	// SessionCookieName is the cookie issued after a successful login.
	SessionCookieName = ".AspNetCore.Cookies"

	csrfToken = "csrf-token-1"
	transID   = "StateProperties=tx1"
	authCode  = "auth-code-1"
)

// Server is a fake Mobile Link. Behavior is changed through the setters,
// which are safe to call while requests are in flight.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	email    string
	password string
	// loginMessage overrides the self asserted response when set
	loginMessage string
	// botBlock serves a captcha page instead of the sign-in page
	botBlock bool

	validCookies map[string]bool
	issued       int

	apparatus []json.RawMessage
	details   map[int64]json.RawMessage
	// failDetails returns a 500 for the tank
	failDetails map[int64]bool
	// rejectAll makes every API request a 401
	rejectAll bool

	logins       int
	listCalls    int
	detailsCalls int
}

// New starts a fake accepting email and password for login.
func New(email, password string) *Server {
	s := &Server{
		email:        email,
		password:     password,
		validCookies: make(map[string]bool),
		details:      make(map[int64]json.RawMessage),
		failDetails:  make(map[int64]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/Apparatus/list", s.handleList)
	mux.HandleFunc("GET /api/v1/Apparatus/details/{id}", s.handleDetails)
	mux.HandleFunc("GET /api/Auth/SignIn", s.handleSignIn)
	mux.HandleFunc("POST /b2c/SelfAsserted", s.handleSelfAsserted)
	mux.HandleFunc("GET /b2c/api/CombinedSigninAndSignup/confirmed", s.handleConfirmed)
	mux.HandleFunc("POST /signin-oidc", s.handleCallback)
	s.Server = httptest.NewServer(mux)
	return s
}

// LoginBaseURL is the sign-in tenant base to pass to mobilelink.New.
func (s *Server) LoginBaseURL() string {
	return s.URL + "/b2c"
}

// AddCookie makes cookie a valid session cookie, as if pasted from a browser.
func (s *Server) AddCookie(cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validCookies[cookie] = true
}

// ExpireSessions invalidates every cookie issued or added so far.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validCookies = make(map[string]bool)
}

// SetApparatus replaces the apparatus list. Each apparatus is also served by
// the details endpoint unless SetDetails overrides it.
func (s *Server) SetApparatus(list ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apparatus = s.apparatus[:0]
	for _, a := range list {
		raw := json.RawMessage(a)
		s.apparatus = append(s.apparatus, raw)
		var head struct {
			ApparatusID int64 `json:"apparatusId"`
		}
		if err := json.Unmarshal(raw, &head); err == nil && head.ApparatusID != 0 {
			s.details[head.ApparatusID] = raw
		}
	}
}

// SetDetails sets the details document for one apparatus.
func (s *Server) SetDetails(id int64, doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[id] = json.RawMessage(doc)
}

// FailDetails makes the details endpoint for id return a server error.
func (s *Server) FailDetails(id int64, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDetails[id] = fail
}

// RejectAll makes every API request fail with 401 regardless of cookie.
func (s *Server) RejectAll(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = reject
}

// SetLoginMessage makes the credential step fail with msg. Empty restores
// normal behavior.
func (s *Server) SetLoginMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginMessage = msg
}

// SetBotBlock serves a captcha page in place of the sign-in page.
func (s *Server) SetBotBlock(block bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botBlock = block
}

// Counts returns the number of logins, list calls and details calls.
func (s *Server) Counts() (logins, lists, details int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins, s.listCalls, s.detailsCalls
}

func (s *Server) authorized(r *http.Request) bool {
	if s.rejectAll {
		return false
	}
	header := r.Header.Get("Cookie")
	if s.validCookies[header] {
		return true
	}
	for _, ck := range r.Cookies() {
		if s.validCookies[ck.Name+"="+ck.Value] {
			return true
		}
	}
	return false
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list := s.apparatus
	if list == nil {
		list = []json.RawMessage{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(list)
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailsCalls++
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	if s.failDetails[id] {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	doc, ok := s.details[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(doc)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if s.botBlock {
		_, _ = fmt.Fprint(w, `<html><body>Please complete the captcha to continue</body></html>`)
		return
	}
	// the real tenant sets a transaction cookie that must come back on the
	// next steps
	http.SetCookie(w, &http.Cookie{Name: "x-ms-cpim-trans", Value: "t1", Path: "/"})
	_, _ = fmt.Fprintf(w, `<html><head><script>
var SETTINGS = {"csrf":%q,"transId":%q,"hosts":{"tenant":"/generacconnectivity.onmicrosoft.com/B2C_1A_MobileLink_SignIn","policy":"B2C_1A_MobileLink_SignIn"}};
</script></head><body></body></html>`, csrfToken, transID)
}

func (s *Server) handleSelfAsserted(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if r.Header.Get("X-CSRF-TOKEN") != csrfToken || r.URL.Query().Get("tx") != transID {
		w.WriteHeader(http.StatusForbidden)
		_, _ = fmt.Fprint(w, `{"status":"403","message":"Access denied"}`)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.loginMessage != "" {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "400", "errorCode": "AADB2C", "message": s.loginMessage})
		return
	}
	if !strings.EqualFold(r.PostForm.Get("signInName"), s.email) || r.PostForm.Get("password") != s.password {
		_, _ = fmt.Fprint(w, `{"status":"400","errorCode":"AADB2C90225","message":"Your password is incorrect."}`)
		return
	}
	_, _ = fmt.Fprint(w, `{"status":"200"}`)
}

func (s *Server) handleConfirmed(w http.ResponseWriter, r *http.Request) {
	action := s.URL + "/signin-oidc"
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<html><body onload="document.forms[0].submit()">
<form id="auto" method="post" action="%s">
<input type="hidden" name="state" value="state-1" />
<input type="hidden" name="code" value="%s" />
</form></body></html>`, html.EscapeString(action), authCode)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != authCode {
		http.Error(w, "bad code", http.StatusBadRequest)
		return
	}
	s.logins++
	s.issued++
	value := "session-" + strconv.Itoa(s.issued)
	s.validCookies[SessionCookieName+"="+value] = true
	http.SetCookie(w, &http.Cookie{Name: SessionCookieName, Value: value, Path: "/", HttpOnly: true})
	w.WriteHeader(http.StatusOK)
}

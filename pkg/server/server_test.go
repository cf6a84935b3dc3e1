package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/mobilelink/pkg/common"
	"github.com/raterudder/mobilelink/pkg/flow"
	"github.com/raterudder/mobilelink/pkg/mobilelink"
	"github.com/raterudder/mobilelink/pkg/mobilelink/mobilelinktest"
	"github.com/raterudder/mobilelink/pkg/poller"
	"github.com/raterudder/mobilelink/pkg/publish"
	"github.com/raterudder/mobilelink/pkg/secret"
	"github.com/raterudder/mobilelink/pkg/storage"
	"github.com/raterudder/mobilelink/pkg/types"
)

const (
	pastedCookie = "pasted=1"
	houseTank    = `{"apparatusId":1001,"name":"House Tank","type":2,"isConnected":true,"properties":[{"name":"FuelLevel","value":70},{"name":"Capacity","value":500}]}`
)

type harness struct {
	fake    *mobilelinktest.Server
	db      *storage.Memory
	box     *secret.Box
	poller  *poller.Poller
	flows   *flow.Manager
	srv     *Server
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	fake := mobilelinktest.New("user@example.com", "hunter2")
	t.Cleanup(fake.Close)
	fake.AddCookie(pastedCookie)
	fake.SetApparatus(houseTank, `{"apparatusId":9,"name":"Generator","type":0}`)

	box, err := secret.New("01234567890123456789012345678901")
	require.NoError(t, err)

	h := &harness{fake: fake, db: storage.NewMemory(), box: box}
	client := mobilelink.New(common.HTTPClient(5*time.Second), fake.URL, fake.LoginBaseURL())
	sessions := mobilelink.NewMap(client)
	collector := publish.NewCollector()
	h.poller = poller.New(h.db, sessions, box, collector, time.Hour)
	h.flows = flow.New(sessions, h.db, box, h.poller)
	h.poller.OnReauth(h.flows.ReauthRequired)
	h.srv = New(h.db, h.poller, h.flows, box, collector)
	h.handler = h.srv.setupHandler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req.ContentLength = 0
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// createCookieEntry walks the config flow over HTTP and returns the entry id.
func (h *harness) createCookieEntry(t *testing.T) string {
	w := h.do(t, http.MethodPost, "/api/flows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[flow.Result](t, w)
	require.Equal(t, flow.StepUser, res.StepID)

	w = h.do(t, http.MethodPost, "/api/flows/"+res.FlowID, flow.Input{AuthMethod: types.AuthModeCookie})
	res = decode[flow.Result](t, w)
	require.Equal(t, flow.StepCookie, res.StepID)

	w = h.do(t, http.MethodPost, "/api/flows/"+res.FlowID, flow.Input{CookieHeader: "Cookie: " + pastedCookie})
	res = decode[flow.Result](t, w)
	require.Equal(t, flow.StepSelectTanks, res.StepID)
	require.Len(t, res.Schema, 1)
	require.Len(t, res.Schema[0].Options, 1)

	w = h.do(t, http.MethodPost, "/api/flows/"+res.FlowID, flow.Input{SelectedTanks: []string{"1001"}})
	res = decode[flow.Result](t, w)
	require.Equal(t, flow.ResultCreateEntry, res.Type)
	require.NotEmpty(t, res.EntryID)
	return res.EntryID
}

func TestConfigFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	entryID := h.createCookieEntry(t)

	w := h.do(t, http.MethodGet, "/api/entries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "encryptedCredentials")
	entries := decode[[]entryResponse](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, entryID, entries[0].ID)
	assert.Equal(t, types.AuthModeCookie, entries[0].AuthMode)
	assert.Equal(t, []int64{1001}, entries[0].SelectedTanks)
	assert.True(t, entries[0].Loaded)

	w = h.do(t, http.MethodGet, "/api/entries/"+entryID+"/states", nil)
	require.Equal(t, http.StatusOK, w.Code)
	states := decode[[]types.EntityState](t, w)
	require.Len(t, states, 1)
	assert.Equal(t, types.UniqueID(1001, types.SensorPropanePercent), states[0].UniqueID)

	// the finished flow is gone
	w = h.do(t, http.MethodGet, "/api/flows", nil)
	assert.Empty(t, decode[[]flow.Result](t, w))

	w = h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mobilelink_propane_level_percent")
	assert.Contains(t, w.Body.String(), `apparatus_id="1001"`)
}

func TestFlowEndpoints(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/api/flows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/flows/missing", flow.Input{})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[flow.Result](t, w)
	assert.Equal(t, flow.ResultAbort, res.Type)
	assert.Equal(t, flow.AbortUnknownFlow, res.Reason)

	w = h.do(t, http.MethodPost, "/api/flows", startFlowRequest{Kind: "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/flows", startFlowRequest{Kind: flow.KindConfig})
	res = decode[flow.Result](t, w)
	w = h.do(t, http.MethodGet, "/api/flows/"+res.FlowID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, flow.StepUser, decode[flow.Result](t, w).StepID)

	w = h.do(t, http.MethodGet, "/api/flows", nil)
	assert.Len(t, decode[[]flow.Result](t, w), 1)

	w = h.do(t, http.MethodDelete, "/api/flows/"+res.FlowID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodDelete, "/api/flows/"+res.FlowID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/flows/"+res.FlowID, bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshAndReauth(t *testing.T) {
	h := newHarness(t)
	entryID := h.createCookieEntry(t)

	w := h.do(t, http.MethodPost, "/api/entries/"+entryID+"/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]types.EntityState](t, w), 1)

	h.fake.RejectAll(true)
	w = h.do(t, http.MethodPost, "/api/entries/"+entryID+"/refresh", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodGet, "/api/entries/"+entryID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.AuthStateReauthRequired, decode[entryResponse](t, w).AuthStatus.State)

	// the poller raised a reauth flow
	w = h.do(t, http.MethodGet, "/api/flows", nil)
	flows := decode[[]flow.Result](t, w)
	require.Len(t, flows, 1)
	assert.Equal(t, flow.KindReauth, flows[0].Kind)

	// asking again returns the same flow
	w = h.do(t, http.MethodPost, "/api/entries/"+entryID+"/reauth", nil)
	res := decode[flow.Result](t, w)
	assert.Equal(t, flows[0].FlowID, res.FlowID)

	h.fake.RejectAll(false)
	h.fake.AddCookie("fresh=1")
	w = h.do(t, http.MethodPost, "/api/flows/"+res.FlowID, flow.Input{CookieHeader: "fresh=1"})
	res = decode[flow.Result](t, w)
	assert.Equal(t, flow.ResultAbort, res.Type)
	assert.Equal(t, flow.AbortReauthSuccessful, res.Reason)

	w = h.do(t, http.MethodPost, "/api/entries/"+entryID+"/refresh", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/api/entries/missing/refresh", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOptionsEndpoints(t *testing.T) {
	h := newHarness(t)
	entryID := h.createCookieEntry(t)

	w := h.do(t, http.MethodPut, "/api/entries/"+entryID+"/options", updateOptionsRequest{
		Options: types.SensorOptions{Capacity: true},
	})
	require.Equal(t, http.StatusOK, w.Code)
	e := decode[entryResponse](t, w)
	assert.True(t, e.Options.Capacity)
	assert.Equal(t, []int64{1001}, e.SelectedTanks)

	w = h.do(t, http.MethodGet, "/api/entries/"+entryID+"/states", nil)
	assert.Len(t, decode[[]types.EntityState](t, w), 2)

	w = h.do(t, http.MethodPost, "/api/entries/"+entryID+"/options", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[flow.Result](t, w)
	assert.Equal(t, flow.KindOptions, res.Kind)
	assert.Equal(t, flow.StepSelect, res.StepID)

	w = h.do(t, http.MethodPost, "/api/flows/"+res.FlowID, flow.Input{SelectedTanks: []string{"1001"}})
	assert.Equal(t, flow.ResultCreateEntry, decode[flow.Result](t, w).Type)

	w = h.do(t, http.MethodGet, "/api/entries/"+entryID+"/states", nil)
	assert.Len(t, decode[[]types.EntityState](t, w), 1)

	w = h.do(t, http.MethodPut, "/api/entries/missing/options", updateOptionsRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDiagnostics(t *testing.T) {
	h := newHarness(t)
	entryID := h.createCookieEntry(t)

	w := h.do(t, http.MethodGet, "/api/entries/"+entryID+"/diagnostics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), pastedCookie)
	assert.Contains(t, w.Body.String(), types.Redacted)
	assert.Contains(t, w.Body.String(), `"fuel_level_percent":70`)

	w = h.do(t, http.MethodGet, "/api/entries/missing/diagnostics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteEntry(t *testing.T) {
	h := newHarness(t)
	entryID := h.createCookieEntry(t)

	w := h.do(t, http.MethodDelete, "/api/entries/"+entryID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, http.MethodGet, "/api/entries/"+entryID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodGet, "/api/entries/"+entryID+"/states", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodDelete, "/api/entries/"+entryID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/metrics", nil)
	assert.NotContains(t, w.Body.String(), "mobilelink_propane_level_percent{")
}

func TestHealthzAndHeaders(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "mobilelink", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, w.Header().Get("Cache-Control"))

	w = h.do(t, http.MethodGet, "/api/entries", nil)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestAuthMiddleware(t *testing.T) {
	h := newHarness(t)
	h.srv.bypassAuth = false
	h.srv.adminEmails = []string{"admin@example.com"}
	h.srv.oidcVerifiers = map[string]tokenVerifier{
		"google": func(ctx context.Context, token string) (tokenClaims, error) {
			switch token {
			case "admin-token":
				return tokenClaims{Email: "Admin@example.com", Subject: "1"}, nil
			case "other-token":
				return tokenClaims{Email: "other@example.com", Subject: "2"}, nil
			}
			return tokenClaims{}, assert.AnError
		},
	}
	handler := h.srv.setupHandler()

	tests := []struct {
		name   string
		header string
		cookie string
		want   int
	}{
		{name: "no token", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusBadRequest},
		{name: "invalid token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "not admin", header: "Bearer other-token", want: http.StatusForbidden},
		{name: "admin bearer", header: "Bearer admin-token", want: http.StatusOK},
		{name: "admin cookie", cookie: "admin-token", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/entries", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: authTokenCookie, Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	t.Run("health and metrics stay open", func(t *testing.T) {
		for _, path := range []string{"/healthz", "/metrics"} {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, w.Code, path)
		}
	})

	t.Run("any verified email without allow list", func(t *testing.T) {
		h.srv.adminEmails = nil
		req := httptest.NewRequest(http.MethodGet, "/api/entries", nil)
		req.Header.Set("Authorization", "Bearer other-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

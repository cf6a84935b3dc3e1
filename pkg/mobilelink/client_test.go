package mobilelink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/mobilelink/pkg/common"
	"github.com/raterudder/mobilelink/pkg/mobilelink/mobilelinktest"
)

func rawServer(t *testing.T, h http.HandlerFunc) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(common.HTTPClient(5*time.Second), srv.URL, srv.URL+"/b2c")
}

func TestGetApparatusList(t *testing.T) {
	ctx := context.Background()

	t.Run("Headers", func(t *testing.T) {
		var got http.Header
		var path string
		c := rawServer(t, func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			path = r.URL.Path
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(fixtureApparatusList))
		})

		list, err := c.GetApparatusList(ctx, "a=b")
		require.NoError(t, err)
		assert.Len(t, list, 5)
		assert.Equal(t, "/api/v2/Apparatus/list", path)
		assert.Equal(t, "a=b", got.Get("Cookie"))
		assert.Equal(t, "application/json, text/plain, */*", got.Get("Accept"))
		assert.Equal(t, common.UserAgent(), got.Get("User-Agent"))
	})

	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantAuth    bool
		wantCode    AuthCode
	}{
		{name: "Unauthorized", status: 401, contentType: "text/plain", body: "no", wantAuth: true, wantCode: CodeSessionExpired},
		{name: "Forbidden", status: 403, contentType: "text/html", body: "<html>Access Denied</html>", wantAuth: true, wantCode: CodeAccessDenied},
		{name: "ForbiddenCaptcha", status: 403, contentType: "text/html", body: "<html>captcha</html>", wantAuth: true, wantCode: CodeBotBlock},
		{name: "LoginPage", status: 200, contentType: "text/html", body: "<html>sign in</html>", wantAuth: true, wantCode: CodeSessionExpired},
		{name: "BadJSON", status: 200, contentType: "application/json", body: "{not json", wantAuth: true, wantCode: CodeSessionExpired},
		{name: "NotAList", status: 200, contentType: "application/json", body: `{"apparatus":[]}`},
		{name: "ServerError", status: 500, contentType: "text/plain", body: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := rawServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.GetApparatusList(ctx, "a=b")
			require.Error(t, err)
			if tt.wantAuth {
				assert.ErrorIs(t, err, ErrAuth)
				assert.NotErrorIs(t, err, ErrAPI)
				ae, ok := AsAuthError(err)
				require.True(t, ok)
				assert.Equal(t, tt.wantCode, ae.Code)
			} else {
				assert.ErrorIs(t, err, ErrAPI)
				assert.NotErrorIs(t, err, ErrAuth)
			}
		})
	}

	t.Run("TransportError", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c := New(common.HTTPClient(time.Second), srv.URL, "")
		_, err := c.GetApparatusList(ctx, "a=b")
		assert.ErrorIs(t, err, ErrAPI)
	})
}

func TestDiscoverPropaneTanks(t *testing.T) {
	fake := mobilelinktest.New("user@example.com", "pw")
	defer fake.Close()
	fake.AddCookie("a=b")

	var list []string
	for _, raw := range fixtureList(t) {
		list = append(list, string(raw))
	}
	fake.SetApparatus(list...)

	c := New(common.HTTPClient(5*time.Second), fake.URL, fake.LoginBaseURL())
	tanks, err := c.DiscoverPropaneTanks(context.Background(), "a=b")
	require.NoError(t, err)
	require.Len(t, tanks, 3)
	for _, tr := range tanks {
		assert.False(t, tr.Reading.FetchedAt.IsZero())
	}

	_, err = c.DiscoverPropaneTanks(context.Background(), "c=d")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestGetTank(t *testing.T) {
	fake := mobilelinktest.New("user@example.com", "pw")
	defer fake.Close()
	fake.AddCookie("a=b")
	fake.SetDetails(1001, `{"name":"House Tank","type":2,"isConnected":true,"apparatusId":1001,"properties":[{"name":"FuelLevel","value":"55"}]}`)
	fake.SetDetails(7, `{"name":"No ID","type":2}`)
	fake.SetDetails(6, `{"name":"Bad ID","type":2,"apparatusId":"six"}`)
	fake.SetDetails(8, `[]`)
	fake.FailDetails(9, true)

	ctx := context.Background()
	c := New(common.HTTPClient(5*time.Second), fake.URL, fake.LoginBaseURL())

	tr, err := c.GetTank(ctx, "a=b", 1001)
	require.NoError(t, err)
	assert.Equal(t, "House Tank", tr.Tank.Name)
	require.NotNil(t, tr.Reading.FuelLevel)
	assert.InDelta(t, 55.0, *tr.Reading.FuelLevel, 0.0001)
	assert.False(t, tr.Reading.FetchedAt.IsZero())

	tr, err = c.GetTank(ctx, "a=b", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), tr.Tank.ApparatusID)
	assert.Equal(t, int64(7), tr.Reading.ApparatusID)

	_, err = c.GetTank(ctx, "a=b", 6)
	assert.ErrorIs(t, err, ErrAPI)

	_, err = c.GetTank(ctx, "a=b", 8)
	assert.ErrorIs(t, err, ErrAPI)
	assert.True(t, strings.Contains(err.Error(), "array"))

	_, err = c.GetTank(ctx, "a=b", 9)
	assert.ErrorIs(t, err, ErrAPI)

	_, err = c.GetTank(ctx, "a=b", 404)
	assert.ErrorIs(t, err, ErrAPI)

	_, err = c.GetTank(ctx, "wrong", 1001)
	assert.ErrorIs(t, err, ErrAuth)
	assert.False(t, errors.Is(err, ErrAPI))
}

func TestValidate(t *testing.T) {
	c := New(http.DefaultClient, "https://app.mobilelinkgen.com", "")
	assert.NoError(t, c.Validate())

	c = New(http.DefaultClient, "", "")
	assert.Error(t, c.Validate())
}

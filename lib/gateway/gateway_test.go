// Chatwire
// Copyright (C) 2026 Chatwire Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/lib/defaults"
	"github.com/chatwire/chatwire/lib/kvstore"
	"github.com/chatwire/chatwire/lib/processor"
	"github.com/chatwire/chatwire/lib/router"
	"github.com/chatwire/chatwire/lib/types"
	"github.com/chatwire/chatwire/lib/wire"
)

type testGateway struct {
	*Gateway
	redis *miniredis.Miniredis
}

func newTestGateway(t *testing.T, mutate func(*Config)) *testGateway {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	policies, err := types.NewPolicySet(map[types.Platform]types.PlatformPolicy{
		types.PlatformWeb: {AllowMultiDevice: true, AutoRefreshEnabled: true},
		types.PlatformIOS: {AllowMultiDevice: false, AutoRefreshEnabled: true},
	})
	require.NoError(t, err)

	cfg := Config{
		Policies: policies,
		Router: router.Config{
			Routes: []router.Route{
				{Method: "POST", Path: "/message/send", CmdID: 2001, Service: "chat"},
				{Method: "GET", Path: "/ping", CmdID: 2002, Service: "chat", Public: true},
			},
			Services: []router.Service{
				{Name: "chat", Endpoint: "chat.local:9000", CmdRange: [2]uint32{2000, 2999}},
			},
		},
		AuthSecret: []byte("s"),
		Store:      kvstore.NewRedisStoreFromClient(client),
		StreamAddr: "127.0.0.1:0",
		HTTPAddr:   "127.0.0.1:0",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	return &testGateway{Gateway: g, redis: srv}
}

func (g *testGateway) mintAccessToken(t *testing.T, userID, username, deviceID string, platform types.Platform) string {
	t.Helper()
	token, err := g.tokens.GenerateAccessToken(userID, username, deviceID, platform, 300*time.Second)
	require.NoError(t, err)
	return token
}

func okHandler(body string) processor.HandlerFn {
	return func(ctx context.Context, msg *wire.Message) (*processor.HandlerResult, error) {
		return &processor.HandlerResult{
			StatusCode: int32(wire.CodeSuccess),
			JSONBody:   body,
		}, nil
	}
}

func sendRequest(t *testing.T, url, token, deviceID, platform, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if deviceID != "" {
		req.Header.Set("X-Device-ID", deviceID)
	}
	if platform != "" {
		req.Header.Set("X-Platform", platform)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(body))
}

func TestAPIAuthSuccess(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	require.NoError(t, g.RegisterHandler(2001, okHandler("ok")))
	token := g.mintAccessToken(t, "u1", "alice", "d1", types.PlatformWeb)

	srv := httptest.NewServer(g.newAPIHandler())
	defer srv.Close()

	resp := sendRequest(t, srv.URL+"/api/v1/message/send", token, "d1", "web",
		`{"from_uid":"u1","to_uid":"u1","text":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"code":200,"body":"ok","err_msg":""}`, readBody(t, resp))
}

func TestAPIAuthInvalidToken(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	require.NoError(t, g.RegisterHandler(2001, okHandler("ok")))

	srv := httptest.NewServer(g.newAPIHandler())
	defer srv.Close()

	resp := sendRequest(t, srv.URL+"/api/v1/message/send", "invalid", "d1", "web", `{}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, readBody(t, resp), `"code":401`)
}

func TestAPIAuthMissingDevice(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	require.NoError(t, g.RegisterHandler(2001, okHandler("ok")))
	token := g.mintAccessToken(t, "u1", "alice", "d1", types.PlatformWeb)

	srv := httptest.NewServer(g.newAPIHandler())
	defer srv.Close()

	resp := sendRequest(t, srv.URL+"/api/v1/message/send", token, "", "web", `{}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIRoutingMiss(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	token := g.mintAccessToken(t, "u1", "alice", "d1", types.PlatformWeb)

	srv := httptest.NewServer(g.newAPIHandler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/no/such/path", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Device-ID", "d1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, readBody(t, resp), `"code":404`)
}

func TestAPIPublicRoute(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	require.NoError(t, g.RegisterHandler(2002, okHandler("pong")))

	srv := httptest.NewServer(g.newAPIHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/ping")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"code":200,"body":"pong","err_msg":""}`, readBody(t, resp))
}

func TestAPIRejectsOversizedBody(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	require.NoError(t, g.RegisterHandler(2001, okHandler("ok")))
	token := g.mintAccessToken(t, "u1", "alice", "d1", types.PlatformWeb)

	srv := httptest.NewServer(g.newAPIHandler())
	defer srv.Close()

	oversized := strings.Repeat("a", defaults.MaxFrameSize+1)
	resp := sendRequest(t, srv.URL+"/api/v1/message/send", token, "d1", "web", oversized)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, readBody(t, resp), `"code":400`)
}

func TestAPIBackpressure(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, func(cfg *Config) {
		cfg.MaxConcurrentTasks = 2
	})
	require.NoError(t, g.RegisterHandler(2001, func(ctx context.Context, msg *wire.Message) (*processor.HandlerResult, error) {
		time.Sleep(300 * time.Millisecond)
		return &processor.HandlerResult{StatusCode: int32(wire.CodeSuccess), JSONBody: "ok"}, nil
	}))
	token := g.mintAccessToken(t, "u1", "alice", "d1", types.PlatformWeb)

	srv := httptest.NewServer(g.newAPIHandler())
	defer srv.Close()

	var mu sync.Mutex
	statuses := make(map[int]int)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := sendRequest(t, srv.URL+"/api/v1/message/send", token, "d1", "web", `{}`)
			resp.Body.Close()
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}()
		// stagger so the saturated slot rejection is deterministic
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()
	require.Equal(t, 2, statuses[http.StatusOK])
	require.Equal(t, 1, statuses[http.StatusTooManyRequests])
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	srv := httptest.NewServer(g.newAPIHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	g.redis.Close()
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	ctx := context.Background()

	require.NoError(t, g.Start(ctx))
	// starting twice is a no-op
	require.NoError(t, g.Start(ctx))

	// the handler table is sealed after start
	err := g.RegisterHandler(2001, okHandler("late"))
	require.Error(t, err)

	require.NoError(t, g.Stop(ctx))
	require.NoError(t, g.Stop(ctx))
}

func TestStats(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	require.NoError(t, g.RegisterHandler(2001, okHandler("ok")))
	require.NoError(t, g.RegisterHandler(2002, okHandler("pong")))

	stats := g.Stats()
	require.Equal(t, 2, stats.Handlers)
	require.Zero(t, stats.InFlight)
	require.Zero(t, stats.LocalSessions)
}

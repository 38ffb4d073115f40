package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/auth"
	"github.com/vovakirdan/tutorlink-realtime/internal/cache"
	"github.com/vovakirdan/tutorlink-realtime/internal/config"
	"github.com/vovakirdan/tutorlink-realtime/internal/core"
	"github.com/vovakirdan/tutorlink-realtime/internal/proto"
	"github.com/vovakirdan/tutorlink-realtime/internal/queue"
	"github.com/vovakirdan/tutorlink-realtime/internal/service/messaging"
	"github.com/vovakirdan/tutorlink-realtime/internal/store/sqlite"
)

const (
	testSecret      = "test-secret-change-me"
	testInternalKey = "internal-key"
)

type testEnv struct {
	ts      *httptest.Server
	cfg     config.Config
	jwt     *auth.JWTConfig
	store   *sqlite.SQLiteStore
	queue   *queue.Memory
	gateway *core.Gateway
	worker  *messaging.Worker
}

// newTestEnv wires the full stack on in-memory backends.
func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.ApplySchema)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	cfg := config.Default()
	cfg.Server.InternalAPIKey = testInternalKey
	cfg.Auth.JWTSecret = testSecret
	cfg.Gateway.PingInterval = 0
	for _, opt := range opts {
		opt(&cfg)
	}

	jwtCfg := &auth.JWTConfig{Secret: []byte(testSecret), TTL: time.Hour}
	c := cache.NewMemory()
	q := queue.NewMemory(64, queue.RetryPolicy{MaxAttempts: 2}, &logger)
	t.Cleanup(func() { _ = q.Close() })

	registry := core.NewRegistry()
	t.Cleanup(registry.Close)
	gateway := core.NewGateway(auth.NewVerifier(jwtCfg), st, registry, &logger, cfg.Gateway.EventBuffer)
	pipeline := messaging.NewPipeline(q, registry, &logger)
	history := messaging.NewHistoryReader(st, c, messaging.HistoryOptions{}, &logger)
	service := messaging.New(pipeline, history, st, c, &logger)

	server := NewServer(Deps{
		Gateway:   gateway,
		Router:    core.NewRouter(registry, &logger),
		Messaging: service,
	}, &cfg, &logger)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{
		ts:      ts,
		cfg:     cfg,
		jwt:     jwtCfg,
		store:   st,
		queue:   q,
		gateway: gateway,
		worker:  messaging.NewWorker(st, c, q, &logger),
	}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(e.jwt, userID, "student")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (e *testEnv) addMember(t *testing.T, roomID, userID string) {
	t.Helper()
	if err := e.store.AddMember(context.Background(), roomID, userID); err != nil {
		t.Fatalf("add member: %v", err)
	}
}

// runWorker consumes persistence jobs until the test ends.
func (e *testEnv) runWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.worker.Run(ctx, 1)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e *testEnv) wsURL() string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
}

func (e *testEnv) dial(t *testing.T, ctx context.Context, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, e.wsURL()+"?token="+e.token(t, userID), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	readEvent(t, ctx, conn, proto.EventConnected, nil)
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	payload, _ := json.Marshal(data)
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload}); err != nil {
		t.Fatalf("send %s: %v", typ, err)
	}
}

type rawOutbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

// readEvent reads until an event named name arrives and decodes its data into out.
// Any error frame fails the test.
func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, name string, out any) {
	t.Helper()
	for {
		var frame rawOutbound
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		if frame.Type == proto.OutboundTypeError {
			t.Fatalf("waiting for %s: got error %+v", name, frame.Error)
		}
		if frame.Event != name {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(frame.Data, out); err != nil {
				t.Fatalf("decode %s: %v", name, err)
			}
		}
		return
	}
}

// readError reads until an error frame arrives.
func readError(t *testing.T, ctx context.Context, conn *websocket.Conn) *proto.Error {
	t.Helper()
	for {
		var frame rawOutbound
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("waiting for error: %v", err)
		}
		if frame.Type == proto.OutboundTypeError {
			return frame.Error
		}
	}
}

func makeJWT(secret, sub string, ttl time.Duration) string {
	claims := jwt.MapClaims{"exp": time.Now().Add(ttl).Unix()}
	if sub != "" {
		claims["sub"] = sub
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	return token
}

func (e *testEnv) do(t *testing.T, method, path, userID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func getHistory(t *testing.T, e *testEnv, userID, roomID, query string) HistoryResponse {
	t.Helper()
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if query != "" {
		path += "?" + query
	}
	resp := e.do(t, http.MethodGet, path, userID)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status: %d", resp.StatusCode)
	}
	var page HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return page
}

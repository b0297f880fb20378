package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mcpanel/internal/hub"
	"mcpanel/internal/metrics"
	"mcpanel/internal/protocol"
	"mcpanel/internal/supervisor"
)

const echoServer = `
while IFS= read -r line; do
  case "$line" in
    stop) exit 0 ;;
    *) echo "echo: $line" ;;
  esac
done
`

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	srv *Server
	sup *supervisor.Supervisor
	hub *hub.Hub
	dir string
}

func newTestServer(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "server.jar"), []byte("jar"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	h := hub.New(nil, m)
	sup := supervisor.New(h, supervisor.Options{
		MonitorInterval: time.Hour,
		RestartGrace:    2 * time.Second,
		Metrics:         m,
		Command: func(dir string, _ supervisor.LaunchProfile) *exec.Cmd {
			cmd := exec.Command("/bin/sh", "-c", echoServer)
			cmd.Dir = dir
			return cmd
		},
	})
	t.Cleanup(func() { sup.Close() })

	opts := Options{
		ForceLogoutDelay:  50 * time.Millisecond,
		CommandsPerSecond: 100,
		CommandBurst:      100,
		Metrics:           m,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	srv := New(sup, h, opts)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, sup: sup, hub: h, dir: dir}
}

type apiResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	PID     int    `json:"pid"`
}

func do(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var resp apiResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func dialWS(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

// readUntil skips messages until one of the given type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) protocol.Message {
	t.Helper()
	for i := 0; i < 50; i++ {
		if msg := readMessage(t, ws); msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return protocol.Message{}
}

func writeMessage(t *testing.T, ws *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	msg := map[string]interface{}{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write message failed: %v", err)
	}
}

func TestServer_Health(t *testing.T) {
	env := newTestServer(t)
	w, _ := do(t, env.srv.Handler(), "GET", "/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"server":"stopped"`) {
		t.Errorf("unexpected health body: %s", w.Body.String())
	}
}

func TestServer_HealthCountsClients(t *testing.T) {
	env := newTestServer(t)
	httpSrv := httptest.NewServer(env.srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv)
	readUntil(t, ws, protocol.TypeConsoleHistory)

	w, _ := do(t, env.srv.Handler(), "GET", "/health", "")
	if !strings.Contains(w.Body.String(), `"clients":1`) {
		t.Errorf("expected one client in health body: %s", w.Body.String())
	}
}

func TestServer_StatusStopped(t *testing.T) {
	env := newTestServer(t)
	w, _ := do(t, env.srv.Handler(), "GET", "/api/server/status", "")

	var body struct {
		Success bool                  `json:"success"`
		Status  protocol.ServerStatus `json:"status"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if !body.Success || body.Status.Running || body.Status.State != "stopped" {
		t.Errorf("unexpected status: %+v", body)
	}
}

func TestServer_StartMissingArtifact(t *testing.T) {
	env := newTestServer(t)
	body := `{"serverPath":"` + t.TempDir() + `"}`
	w, resp := do(t, env.srv.Handler(), "POST", "/api/server/start", body)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if resp.Success || resp.Code != protocol.ErrLaunchArtifactMissing {
		t.Errorf("unexpected response: %+v", resp)
	}
	if env.sup.State() != supervisor.StateStopped {
		t.Errorf("expected stopped, got %s", env.sup.State())
	}
}

func TestServer_StartBadBody(t *testing.T) {
	env := newTestServer(t)
	w, resp := do(t, env.srv.Handler(), "POST", "/api/server/start", "invalid json")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	if resp.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected %s, got %s", protocol.ErrInvalidMessage, resp.Code)
	}
}

func TestServer_StopNotRunning(t *testing.T) {
	env := newTestServer(t)
	w, resp := do(t, env.srv.Handler(), "POST", "/api/server/stop", "")

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
	if resp.Code != protocol.ErrNotRunning {
		t.Errorf("expected %s, got %s", protocol.ErrNotRunning, resp.Code)
	}
}

func TestServer_CommandMissing(t *testing.T) {
	env := newTestServer(t)
	w, _ := do(t, env.srv.Handler(), "POST", "/api/server/command", `{}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CommandNotRunning(t *testing.T) {
	env := newTestServer(t)
	w, resp := do(t, env.srv.Handler(), "POST", "/api/server/command", `{"command":"say hi"}`)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
	if resp.Code != protocol.ErrNotRunning {
		t.Errorf("expected %s, got %s", protocol.ErrNotRunning, resp.Code)
	}
	if n := len(env.sup.Console(0)); n != 0 {
		t.Errorf("expected empty console, got %d records", n)
	}
}

func TestServer_BlankCommandNotRunning(t *testing.T) {
	env := newTestServer(t)
	w, resp := do(t, env.srv.Handler(), "POST", "/api/server/command", `{"command":"   "}`)

	if w.Code != http.StatusConflict || resp.Code != protocol.ErrNotRunning {
		t.Errorf("expected 409 %s, got %d %s", protocol.ErrNotRunning, w.Code, resp.Code)
	}
}

func TestServer_StartCommandStop(t *testing.T) {
	env := newTestServer(t)
	handler := env.srv.Handler()

	w, resp := do(t, handler, "POST", "/api/server/start", `{"serverPath":"`+env.dir+`"}`)
	if w.Code != http.StatusOK || !resp.Success || resp.PID == 0 {
		t.Fatalf("start failed: %d %s", w.Code, w.Body.String())
	}

	w, resp = do(t, handler, "POST", "/api/server/start", `{"serverPath":"`+env.dir+`"}`)
	if w.Code != http.StatusConflict || resp.Code != protocol.ErrAlreadyRunning {
		t.Errorf("expected 409 %s, got %d %s", protocol.ErrAlreadyRunning, w.Code, resp.Code)
	}

	w, _ = do(t, handler, "POST", "/api/server/command", `{"command":"say hi"}`)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	w, resp = do(t, handler, "POST", "/api/server/command", `{"command":"say a\nstop"}`)
	if w.Code != http.StatusBadRequest || resp.Code != protocol.ErrInvalidCommand {
		t.Errorf("expected 400 %s, got %d %s", protocol.ErrInvalidCommand, w.Code, resp.Code)
	}

	w, _ = do(t, handler, "GET", "/api/server/console?limit=10", "")
	if !strings.Contains(w.Body.String(), `"text":"say hi"`) {
		t.Errorf("console missing command: %s", w.Body.String())
	}

	w, _ = do(t, handler, "POST", "/api/server/stop", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestServer_KickBadPlayer(t *testing.T) {
	env := newTestServer(t)
	handler := env.srv.Handler()

	w, _ := do(t, handler, "POST", "/api/server/kick", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	w, resp := do(t, handler, "POST", "/api/server/kick", `{"player":"two words"}`)
	if w.Code != http.StatusBadRequest || resp.Code != protocol.ErrInvalidCommand {
		t.Errorf("expected 400 %s, got %d %s", protocol.ErrInvalidCommand, w.Code, resp.Code)
	}
}

func TestServer_ConsoleBadLimit(t *testing.T) {
	env := newTestServer(t)
	w, _ := do(t, env.srv.Handler(), "GET", "/api/server/console?limit=abc", "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_ConsoleZeroLimit(t *testing.T) {
	env := newTestServer(t)
	w, resp := do(t, env.srv.Handler(), "GET", "/api/server/console?limit=0", "")

	if w.Code != http.StatusBadRequest || resp.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected 400 %s, got %d %s", protocol.ErrInvalidMessage, w.Code, resp.Code)
	}
}

func TestServer_PlayersRefreshesList(t *testing.T) {
	env := newTestServer(t)
	handler := env.srv.Handler()

	w, _ := do(t, handler, "GET", "/api/server/players", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":0`) {
		t.Fatalf("unexpected players response while stopped: %d %s", w.Code, w.Body.String())
	}
	if n := len(env.sup.Console(0)); n != 0 {
		t.Errorf("stopped server must not be asked for players, got %d records", n)
	}

	w, _ = do(t, handler, "POST", "/api/server/start", `{"serverPath":"`+env.dir+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start failed: %d %s", w.Code, w.Body.String())
	}

	w, _ = do(t, handler, "GET", "/api/server/players", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body struct {
		Success bool     `json:"success"`
		Players []string `json:"players"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if !body.Success || body.Players == nil {
		t.Errorf("unexpected players body: %s", w.Body.String())
	}

	found := false
	for _, rec := range env.sup.Console(0) {
		if rec.Origin == protocol.OriginCommand && rec.Text == "list" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a list command in console history: %+v", env.sup.Console(0))
	}
}

func TestServer_CommandRateLimited(t *testing.T) {
	env := newTestServer(t, func(o *Options) {
		o.CommandsPerSecond = 0.001
		o.CommandBurst = 1
	})
	handler := env.srv.Handler()

	w, _ := do(t, handler, "POST", "/api/server/command", `{"command":"list"}`)
	if w.Code == http.StatusTooManyRequests {
		t.Fatal("first command should pass the limiter")
	}
	w, resp := do(t, handler, "POST", "/api/server/command", `{"command":"list"}`)
	if w.Code != http.StatusTooManyRequests || resp.Code != protocol.ErrRateLimited {
		t.Errorf("expected 429 %s, got %d %s", protocol.ErrRateLimited, w.Code, resp.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	env := newTestServer(t)
	handler := env.srv.Handler()

	do(t, handler, "GET", "/health", "")
	w, _ := do(t, handler, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `mcpanel_http_requests_total{method="GET",path="/health",status="200"} 1`) {
		t.Errorf("request not counted:\n%s", w.Body.String())
	}
}

func TestServer_WebSocketReplay(t *testing.T) {
	env := newTestServer(t)
	httpSrv := httptest.NewServer(env.srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv)

	if msg := readMessage(t, ws); msg.Type != protocol.TypeServerStatus {
		t.Fatalf("expected %s first, got %s", protocol.TypeServerStatus, msg.Type)
	}
	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeConsoleHistory {
		t.Fatalf("expected %s second, got %s", protocol.TypeConsoleHistory, msg.Type)
	}
	var hist protocol.ConsoleHistory
	json.Unmarshal(msg.Payload, &hist)
	if hist.Records == nil {
		t.Error("expected empty, non-null records")
	}
}

func TestServer_WebSocketLiveOutput(t *testing.T) {
	env := newTestServer(t)
	httpSrv := httptest.NewServer(env.srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv)
	readUntil(t, ws, protocol.TypeConsoleHistory)

	do(t, env.srv.Handler(), "POST", "/api/server/start", `{"serverPath":"`+env.dir+`"}`)
	writeMessage(t, ws, protocol.TypeCommand, map[string]string{"command": "say hello"})

	msg := readUntil(t, ws, protocol.TypeCommandResult)
	var result protocol.CommandResult
	json.Unmarshal(msg.Payload, &result)
	if !result.Success {
		t.Errorf("command failed: %s", result.Message)
	}

	for {
		msg = readUntil(t, ws, protocol.TypeConsoleOutput)
		var line protocol.ConsoleLine
		json.Unmarshal(msg.Payload, &line)
		if line.Text == "echo: say hello" {
			break
		}
	}
}

func TestServer_WebSocketCommandNotRunning(t *testing.T) {
	env := newTestServer(t)
	httpSrv := httptest.NewServer(env.srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv)
	writeMessage(t, ws, protocol.TypeCommand, map[string]string{"command": "say hi"})

	msg := readUntil(t, ws, protocol.TypeCommandResult)
	var result protocol.CommandResult
	json.Unmarshal(msg.Payload, &result)
	if result.Success {
		t.Error("expected failure while stopped")
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	env := newTestServer(t)
	httpSrv := httptest.NewServer(env.srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv)
	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	msg := readUntil(t, ws, protocol.TypeError)
	var payload protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &payload)
	if payload.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected %s, got %s", protocol.ErrInvalidMessage, payload.Code)
	}
}

func TestServer_WebSocketPingAndQueries(t *testing.T) {
	env := newTestServer(t)
	httpSrv := httptest.NewServer(env.srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv)
	readUntil(t, ws, protocol.TypeConsoleHistory)

	writeMessage(t, ws, protocol.TypePing, map[string]string{})
	readUntil(t, ws, protocol.TypePong)

	writeMessage(t, ws, protocol.TypeGetStatus, map[string]string{})
	readUntil(t, ws, protocol.TypeServerStatus)

	writeMessage(t, ws, protocol.TypeGetConsole, map[string]int{"limit": 5})
	readUntil(t, ws, protocol.TypeConsoleHistory)
}

func TestServer_ForceLogout(t *testing.T) {
	env := newTestServer(t)
	httpSrv := httptest.NewServer(env.srv.Handler())
	defer httpSrv.Close()

	alice := dialWS(t, httpSrv)
	bob := dialWS(t, httpSrv)
	readUntil(t, alice, protocol.TypeConsoleHistory)
	readUntil(t, bob, protocol.TypeConsoleHistory)

	// The pong confirms the auth message was handled.
	writeMessage(t, alice, protocol.TypeAuth, map[string]string{"username": "alice"})
	writeMessage(t, alice, protocol.TypePing, map[string]string{})
	readUntil(t, alice, protocol.TypePong)

	w, _ := do(t, env.srv.Handler(), "POST", "/api/session/force-logout", `{"username":"alice","message":"bye"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	for _, ws := range []*websocket.Conn{alice, bob} {
		msg := readUntil(t, ws, protocol.TypeForceLogout)
		var payload protocol.ForceLogout
		json.Unmarshal(msg.Payload, &payload)
		if payload.Username != "alice" || payload.Message != "bye" {
			t.Errorf("unexpected payload: %+v", payload)
		}
	}

	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Error("expected alice's connection to be closed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := env.hub.Count(); n != 1 {
		t.Errorf("expected 1 observer left, got %d", n)
	}
}

func TestServer_ForceLogoutMissingUsername(t *testing.T) {
	env := newTestServer(t)
	w, _ := do(t, env.srv.Handler(), "POST", "/api/session/force-logout", `{"message":"bye"}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	env := newTestServer(t)
	handler := env.srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/api/server/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func TestServer_CheckOrigin(t *testing.T) {
	env := newTestServer(t, func(o *Options) { o.AllowedOrigins = []string{"https://panel.example.com"} })

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if env.srv.checkOrigin(req) {
		t.Error("unexpected origin accepted")
	}
	req.Header.Set("Origin", "https://panel.example.com")
	if !env.srv.checkOrigin(req) {
		t.Error("allowed origin rejected")
	}
}

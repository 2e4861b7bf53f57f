package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestServer runs an HTTP server that answers the auth endpoint with a
// long-lived JWT and upgrades the control channel's WebSocket connection,
// sending one welcome frame.
func startTestServer(t *testing.T) (*httptest.Server, <-chan map[string]any) {
	t.Helper()
	received := make(chan map[string]any, 16)
	mux := http.NewServeMux()

	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jwt": signToken(t, time.Now().Add(time.Hour)), "expires_in": 3600})
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"connected","agentId":"agent-1"}`))

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err == nil {
				received <- frame
			}
		}
	})

	srv := httptest.NewServer(mux)
	return srv, received
}

func TestChannel_ConnectsAndReceivesWelcome(t *testing.T) {
	srv, received := startTestServer(t)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	ch := New(Options{
		Endpoints: Endpoints{
			AuthURL: srv.URL + "/auth",
			WSURL:   wsURL,
		},
		RegistrationToken: "reg-token",
		HeartbeatInterval: 30 * time.Millisecond,
	})

	opened := make(chan struct{}, 1)
	ch.OnOpen(func(ctx context.Context) {
		select {
		case opened <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go ch.Run(ctx)

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("channel never opened")
	}

	require.Eventually(t, func() bool {
		return ch.AgentID() == "agent-1"
	}, time.Second, 10*time.Millisecond)

	var frame map[string]any
	select {
	case frame = <-received:
	case <-time.After(time.Second):
		t.Fatal("server never received a heartbeat")
	}
	assert.Equal(t, "heartbeat", frame["type"])
}

func TestChannel_RegisterHandlerAndCommandDispatch(t *testing.T) {
	ch := New(Options{})
	called := make(chan Command, 1)
	ch.RegisterHandler("test_communication", func(cmd Command) (map[string]any, error) {
		called <- cmd
		return map[string]any{"ok": true}, nil
	})

	ch.handleInbound(context.Background(), nil, map[string]any{})

	cmd := parseCommand(map[string]any{"command": "test_communication", "commandId": "c1"})
	h, ok := ch.handlers["test_communication"]
	require.True(t, ok)
	result, err := h(cmd)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])

	select {
	case got := <-called:
		assert.Equal(t, "c1", got.CommandID)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

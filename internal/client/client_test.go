package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muconf/internal/app/conference"
)

// startWSServer runs a scripted websocket peer and returns its ws:// URL.
func startWSServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *conference.Envelope {
	t.Helper()

	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var env conference.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return &env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env *conference.Envelope) {
	t.Helper()

	payload, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

// discard keeps the connection open, ignoring everything the client sends.
func discard(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnectFailureRevertsToDisconnected(t *testing.T) {
	c := New(mocktracer.New())

	err := c.Connect("ws://127.0.0.1:1/ws", nil)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectTwiceIsAStateError(t *testing.T) {
	url := startWSServer(t, discard)

	c := New(mocktracer.New())
	require.NoError(t, c.Connect(url, nil))
	defer c.Close()
	require.Equal(t, StateConnected, c.State())

	err := c.Connect(url, nil)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateConnected, stateErr.Got)
	assert.Equal(t, StateDisconnected, stateErr.Want)
}

func TestReconnectAfterClose(t *testing.T) {
	// Every connection gets the same script: answer auth, swallow the rest.
	url := startWSServer(t, func(conn *websocket.Conn) {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env conference.Envelope
			if json.Unmarshal(frame, &env) != nil {
				continue
			}
			if env.Action == conference.ActionUserRegister || env.Action == conference.ActionUserLogin {
				payload, _ := json.Marshal(conference.NewLoginResult(true, 0, ""))
				conn.WriteMessage(websocket.TextMessage, payload)
			}
		}
	})

	c := New(mocktracer.New())

	require.NoError(t, c.Connect(url, nil))
	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())

	// The first connection's exiting read loop must not disturb the second
	// connection's lifecycle.
	require.NoError(t, c.Connect(url, nil))
	defer c.Close()
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Register("ann", "pw123", nil))
	assert.Equal(t, "ann", c.Alias())
}

func TestCallBeforeConnectFails(t *testing.T) {
	c := New(mocktracer.New())

	err := c.Register("ann", "pw123", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)

	require.ErrorIs(t, c.SayInRoom("hello", nil), ErrConnectionClosed)
}

func TestCallTimesOutWhenServerStaysSilent(t *testing.T) {
	url := startWSServer(t, discard)

	c := New(mocktracer.New())
	require.NoError(t, c.Connect(url, nil))
	defer c.Close()

	err := c.Register("ann", "pw123", nil)
	require.ErrorIs(t, err, ErrCallTimeout)
}

func TestCallFailsWhenServerClosesMidFlight(t *testing.T) {
	url := startWSServer(t, func(conn *websocket.Conn) {
		// Accept one request, then hang up without replying.
		conn.ReadMessage()
	})

	c := New(mocktracer.New())
	require.NoError(t, c.Connect(url, nil))

	err := c.Register("ann", "pw123", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSecondCallForSameReplyActionIsRejected(t *testing.T) {
	url := startWSServer(t, discard)

	c := New(mocktracer.New())
	require.NoError(t, c.Connect(url, nil))
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Register("ann", "pw123", nil)
	}()

	// Let the first register park its waiter before racing it.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, pending := c.pending[conference.ActionLogIn]
		return pending
	}, time.Second, 5*time.Millisecond)

	err := c.Login("ann", "pw123", nil)
	require.ErrorIs(t, err, ErrCallPending)
	wg.Wait()
}

func TestRegisterSuccessCachesIdentity(t *testing.T) {
	url := startWSServer(t, func(conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		assert.Equal(t, conference.ActionUserRegister, env.Action)
		require.NotNil(t, env.SharedSecret)
		assert.Equal(t, "ann", env.SharedSecret.Alias)
		assert.NotEmpty(t, env.Trace, "every request carries a trace token")

		writeEnvelope(t, conn, conference.NewLoginResult(true, 0, ""))
		discard(conn)
	})

	c := New(mocktracer.New())
	require.NoError(t, c.Connect(url, nil))
	defer c.Close()

	require.NoError(t, c.Register("ann", "pw123", nil))
	assert.Equal(t, "ann", c.Alias())
	assert.Equal(t, 0, c.CurrentRoom())
}

func TestRegisterRejectionSurfacesWireReason(t *testing.T) {
	url := startWSServer(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn)
		writeEnvelope(t, conn, conference.NewLoginResult(false, 0, "already taken"))
		discard(conn)
	})

	c := New(mocktracer.New())
	require.NoError(t, c.Connect(url, nil))
	defer c.Close()

	err := c.Register("ann", "pw123", nil)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "already taken", rejected.Reason)
	assert.Empty(t, c.Alias(), "identity is cached only on success")
}

func TestPushesSurfaceOnChannels(t *testing.T) {
	var current conference.Envelope
	current.Action = conference.ActionRoomCurrent
	current.SetRoomView(conference.RoomView{ID: 1, Name: "Lobby", Exits: []string{"out"}})

	url := startWSServer(t, func(conn *websocket.Conn) {
		writeEnvelope(t, conn, &conference.Envelope{
			Action:   conference.ActionChatWhisper,
			FromUser: "bob",
			Message:  "psst",
		})
		writeEnvelope(t, conn, &conference.Envelope{
			Action: conference.ActionChatBroadcast,
			From:   "bob",
			What:   "hello room",
		})
		writeEnvelope(t, conn, &current)
		writeEnvelope(t, conn, &conference.Envelope{
			Action: conference.ActionDisconnect,
			Reason: conference.ReasonSuperseded.Label(),
		})
		discard(conn)
	})

	c := New(mocktracer.New())
	require.NoError(t, c.Connect(url, nil))
	defer c.Close()

	select {
	case whisper := <-c.Whispers():
		assert.Equal(t, Whisper{FromUser: "bob", Message: "psst"}, whisper)
	case <-time.After(time.Second):
		t.Fatal("no whisper push")
	}

	select {
	case broadcast := <-c.Broadcasts():
		assert.Equal(t, Broadcast{From: "bob", What: "hello room"}, broadcast)
	case <-time.After(time.Second):
		t.Fatal("no broadcast push")
	}

	select {
	case notice := <-c.Disconnects():
		assert.Equal(t, conference.ReasonSuperseded, notice.Reason)
	case <-time.After(time.Second):
		t.Fatal("no disconnect notice")
	}

	require.Eventually(t, func() bool {
		return c.CurrentRoomView() != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.CurrentRoom())
	assert.Equal(t, "Lobby", c.CurrentRoomView().Name)
}

func TestExitRoomUpdatesCurrentRoom(t *testing.T) {
	url := startWSServer(t, func(conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		assert.Equal(t, conference.ActionRoomsExit, env.Action)
		assert.Equal(t, "in", env.Direction)

		var reply conference.Envelope
		reply.Action = conference.ActionRoomExit
		reply.Success = boolPtr(true)
		reply.SetRoomView(conference.RoomView{ID: 1, Name: "Lobby", Exits: []string{"out"}})
		writeEnvelope(t, conn, &reply)
		discard(conn)
	})

	c := New(mocktracer.New())
	require.NoError(t, c.Connect(url, nil))
	defer c.Close()

	view, err := c.ExitRoom("in", nil)
	require.NoError(t, err)
	assert.Equal(t, "Lobby", view.Name)
	assert.Equal(t, 1, c.CurrentRoom())
}

func TestWhisperToReturnsReceiptID(t *testing.T) {
	url := startWSServer(t, func(conn *websocket.Conn) {
		env := readEnvelope(t, conn)
		assert.Equal(t, conference.ActionChatWhisper, env.Action)
		assert.Equal(t, "bob", env.To)

		writeEnvelope(t, conn, &conference.Envelope{
			Action:  conference.ActionWhisperSent,
			Success: boolPtr(true),
			ID:      "receipt-1",
		})
		discard(conn)
	})

	c := New(mocktracer.New())
	require.NoError(t, c.Connect(url, nil))
	defer c.Close()

	id, err := c.WhisperTo("bob", "psst", nil)
	require.NoError(t, err)
	assert.Equal(t, "receipt-1", id)
}

func boolPtr(b bool) *bool { return &b }

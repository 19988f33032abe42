package conference

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoomIDIsStrict(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
		ok   bool
	}{
		{name: "integer id", raw: `{"action":"rooms.describe","room":1}`, want: 1, ok: true},
		{name: "zero id", raw: `{"action":"rooms.describe","room":0}`, want: 0, ok: true},
		{name: "missing", raw: `{"action":"rooms.describe"}`},
		{name: "string", raw: `{"action":"rooms.describe","room":"one"}`},
		{name: "fraction", raw: `{"action":"rooms.describe","room":1.5}`},
		{name: "object", raw: `{"action":"rooms.describe","room":{"id":1}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var env Envelope
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &env))

			id, err := env.RoomID()
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.want, id)
			} else {
				require.ErrorIs(t, err, ErrNoRoomID)
			}
		})
	}
}

func TestEnvelopeRoomViewRoundTrip(t *testing.T) {
	var env Envelope
	env.SetRoomView(RoomView{ID: 1, Name: "Lobby", Description: "It's a lobby.", Exits: []string{"out"}})

	view, err := env.RoomView()
	require.NoError(t, err)
	assert.Equal(t, 1, view.ID)
	assert.Equal(t, "Lobby", view.Name)
	assert.Equal(t, []string{"out"}, view.Exits)
}

func TestLoginResultShape(t *testing.T) {
	t.Run("success carries the room id, no reason", func(t *testing.T) {
		payload, err := json.Marshal(NewLoginResult(true, 0, ""))
		require.NoError(t, err)

		raw := string(payload)
		assert.Contains(t, raw, `"success":true`)
		assert.Contains(t, raw, `"room":0`)
		assert.NotContains(t, raw, "reason")
	})

	t.Run("failure carries the reason, no room", func(t *testing.T) {
		payload, err := json.Marshal(NewLoginResult(false, 0, "already taken"))
		require.NoError(t, err)

		raw := string(payload)
		assert.Contains(t, raw, `"success":false`)
		assert.Contains(t, raw, `"reason":"already taken"`)
		assert.NotContains(t, raw, "room")
	})
}

func TestSerializedRoomNeverLeaksDestinations(t *testing.T) {
	room := NewRoom(0, "Foyer", "entrance", map[string]int{"in": 1})

	payload, err := json.Marshal(room.View())
	require.NoError(t, err)

	raw := string(payload)
	assert.Contains(t, raw, `"exits":["in"]`)
	assert.False(t, strings.Contains(raw, `"in":1`), "exit destinations must stay server-side")
}

func TestNewClientErrorNamesTheAction(t *testing.T) {
	env := NewClientError("frobnicate")
	assert.Equal(t, ActionClientError, env.Action)
	assert.Equal(t, "frobnicate", env.AttemptedAction)
	assert.Equal(t, "requested action does not exist", env.Error)
}

func TestHelloAnnouncesProtocolVersion(t *testing.T) {
	payload, err := json.Marshal(NewHello())
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"hello","version":0}`, string(payload))
}

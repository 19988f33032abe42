package conference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisconnectReasonWireLabels(t *testing.T) {
	assert.Equal(t, "superseded by login elsewhere", ReasonSuperseded.Label())
	assert.Equal(t, "unauthenticated privileged action", ReasonNotAuthenticated.Label())
}

func TestDisconnectReasonRoundTrip(t *testing.T) {
	for _, reason := range []DisconnectReason{ReasonSuperseded, ReasonNotAuthenticated} {
		assert.Equal(t, reason, ParseDisconnectReason(reason.Label()))
	}
}

func TestUnmappedReasonPanics(t *testing.T) {
	// Serializing outside the closed set is a programming error, not a
	// protocol error.
	require.Panics(t, func() { _ = ReasonUnknown.Label() })
	require.Panics(t, func() { _ = DisconnectReason(42).Label() })
}

func TestUnknownLabelParsesToUnknown(t *testing.T) {
	assert.Equal(t, ReasonUnknown, ParseDisconnectReason("cosmic rays"))
	assert.Equal(t, ReasonUnknown, ParseDisconnectReason(""))
}

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/doorbell-signal/action"
)

func TestBuildAction(t *testing.T) {
	protocol := action.NewProtocol()
	require.NoError(t, action.RegisterDefaults(protocol))

	a, err := buildAction(protocol, "SDPOffer", `{"sdp":"v=0"}`)
	require.NoError(t, err)
	assert.Equal(t, action.SDPOffer{SDP: "v=0"}, a)

	// a stray discriminator in the payload is overwritten by the named action
	a, err = buildAction(protocol, "CallDismiss", `{"type":"SDPOffer"}`)
	require.NoError(t, err)
	assert.Equal(t, action.CallDismiss{}, a)

	_, err = buildAction(protocol, "Knock", "{}")
	assert.Error(t, err)

	_, err = buildAction(protocol, "SDPOffer", "[1,2]")
	assert.Error(t, err)
}

package tool

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/doorbell-signal/types"
)

func TestResponseBodies(t *testing.T) {
	body, err := sonic.Marshal(FastReturnError("decode failed"))
	require.NoError(t, err)
	assert.Equal(t, "decode failed", ParseErrorBody(body))
	assert.Equal(t, "bad gateway", ParseErrorBody([]byte("bad gateway")))

	device := types.NewPeerDevice("192.168.1.10", 0, "porch", "db-assistant")
	body, err = sonic.Marshal(FastReturnSuccessWithData(device))
	require.NoError(t, err)
	got, err := ParseDataBody[types.PeerDevice](body)
	require.NoError(t, err)
	assert.Equal(t, device, got)

	_, err = ParseDataBody[types.PeerDevice]([]byte("not json"))
	assert.Error(t, err)
}

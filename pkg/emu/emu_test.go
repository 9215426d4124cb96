package emu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLinkProfileShaped(t *testing.T) {
	assert.False(t, LinkProfile{}.Shaped())
	assert.True(t, LinkProfile{Bandwidth: 10}.Shaped())
	assert.True(t, LinkProfile{Delay: time.Millisecond}.Shaped())
	assert.True(t, LinkProfile{Loss: 0.5}.Shaped())
}

func TestNodeKindString(t *testing.T) {
	assert.Equal(t, "router", KindRouter.String())
	assert.Equal(t, "host", KindHost.String())
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "r1:r1-eth2", Endpoint{Node: "r1", Interface: "r1-eth2"}.String())
}

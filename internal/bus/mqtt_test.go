package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectMQTTTimesOutWithError(t *testing.T) {
	prev := connectTimeout
	connectTimeout = 300 * time.Millisecond
	t.Cleanup(func() { connectTimeout = prev })

	src, err := ConnectMQTT("mqtt://127.0.0.1:1", "analytics-test")
	require.Error(t, err)
	assert.Nil(t, src)
	assert.Contains(t, err.Error(), "mqtt connect timeout")
}

func TestRunOnUnconnectedSourceFails(t *testing.T) {
	var src *MQTTSource
	err := src.Run(context.Background(), "homeassistant/#", nil)
	assert.Error(t, err)
}

package mqttsession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/mobile/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.New(config.Config{
		BrokerHost: "localhost",
		ClientID:   "device-1",
		NodeID:     "node-1",
	})
	require.NoError(t, err)
	return c
}

func TestNew_InitialStateIsDisconnected(t *testing.T) {
	s := New(testConfig(t), nil, nil)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestBuildClientOptions_PlaintextBroker(t *testing.T) {
	s := New(testConfig(t), nil, nil)
	opts, err := s.buildClientOptions()
	require.NoError(t, err)
	assert.Contains(t, opts.Servers[0].String(), "tcp://localhost:1883")
	assert.Equal(t, "device-1", opts.ClientID)
	assert.False(t, opts.CleanSession, "persistent sessions require clean-session=false")
	assert.False(t, opts.AutoReconnect, "reconnection is driven by our own backoff policy")
}

func TestBuildClientOptions_TLSBroker(t *testing.T) {
	cfg, err := config.New(config.Config{
		BrokerHost: "localhost",
		ClientID:   "device-1",
		NodeID:     "node-1",
		UseTLS:     true,
	})
	require.NoError(t, err)

	s := New(cfg, nil, nil)
	opts, err := s.buildClientOptions()
	require.NoError(t, err)
	assert.Contains(t, opts.Servers[0].String(), "ssl://localhost:8883")
	assert.NotNil(t, opts.TLSConfig)
}

func TestStateStream_ReceivesTransitions(t *testing.T) {
	s := New(testConfig(t), nil, nil)
	sub := s.StateStream()

	s.setState(StateConnecting)

	select {
	case st := <-sub:
		assert.Equal(t, StateConnecting, st)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state transition")
	}
}

func TestSetKeepAliveMultiplier_ScalesBuiltOptions(t *testing.T) {
	s := New(testConfig(t), nil, nil)

	base, err := s.buildClientOptions()
	require.NoError(t, err)

	s.SetKeepAliveMultiplier(4.0)
	scaled, err := s.buildClientOptions()
	require.NoError(t, err)
	assert.Equal(t, base.KeepAlive*4, scaled.KeepAlive)

	s.SetKeepAliveMultiplier(0)
	reset, err := s.buildClientOptions()
	require.NoError(t, err)
	assert.Equal(t, base.KeepAlive, reset.KeepAlive, "non-positive multiplier resets to 1.0")
}

func TestPublish_FailsWhenNotConnected(t *testing.T) {
	s := New(testConfig(t), nil, nil)
	err := s.Publish("mkv/device-1/res", 1, []byte("{}"))
	assert.Error(t, err)
}

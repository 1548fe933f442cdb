package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOpts() Config {
	return Config{
		BrokerHost: "broker.example.com",
		ClientID:   "device-1",
		NodeID:     "node-1",
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	c, err := New(validOpts())
	require.NoError(t, err)

	assert.Equal(t, 1883, c.BrokerPort)
	assert.Equal(t, "mkv", c.TopicPrefix)
	assert.Equal(t, 60, c.KeepAliveS)
	assert.Equal(t, int64(300000), c.SkewMaxFutureMs)
	assert.Equal(t, DefaultBatteryConfig(), c.Battery)
	assert.Contains(t, c.OfflineQueuePath, "device-1")
}

func TestNew_TLSDefaultPort(t *testing.T) {
	opts := validOpts()
	opts.UseTLS = true
	c, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, 8883, c.BrokerPort)
}

func TestNew_RequiresBrokerHost(t *testing.T) {
	opts := validOpts()
	opts.BrokerHost = ""
	_, err := New(opts)
	assert.ErrorContains(t, err, "broker_host")
}

func TestNew_RejectsWildcardClientID(t *testing.T) {
	opts := validOpts()
	opts.ClientID = "dev/+#"
	_, err := New(opts)
	assert.Error(t, err)
}

func TestNew_RejectsWhitespaceNodeID(t *testing.T) {
	opts := validOpts()
	opts.NodeID = "node 1"
	_, err := New(opts)
	assert.Error(t, err)
}

func TestNew_RequiresStoragePathWhenPersistenceEnabled(t *testing.T) {
	opts := validOpts()
	opts.PersistenceEnabled = true
	_, err := New(opts)
	assert.ErrorContains(t, err, "storage_path")
}

func TestNormalizeTopicPrefix(t *testing.T) {
	assert.Equal(t, "mkv", normalizeTopicPrefix(""))
	assert.Equal(t, "edge", normalizeTopicPrefix("/edge/"))
	assert.Equal(t, "a/b", normalizeTopicPrefix("a//b"))
}

func TestTopics(t *testing.T) {
	c, err := New(validOpts())
	require.NoError(t, err)

	topics := c.Topics()
	assert.Equal(t, "mkv/device-1/cmd", topics.Command)
	assert.Equal(t, "mkv/device-1/res", topics.Response)
	assert.Equal(t, "mkv/replication/events", topics.Replication)
	assert.Equal(t, "mkv/sync/node-1/req", topics.SyncRequest)
	assert.Equal(t, "mkv/sync/node-1/res", topics.SyncResponse)
	assert.Equal(t, "mkv/sync/node-2/req", c.PeerSyncRequestTopic("node-2"))
}

func TestMarshalJSON_OmitsCredentials(t *testing.T) {
	opts := validOpts()
	opts.UseTLS = true
	opts.Username = "alice"
	opts.Password = "secret"
	c, err := New(opts)
	require.NoError(t, err)

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
	assert.NotContains(t, string(raw), "alice")
}

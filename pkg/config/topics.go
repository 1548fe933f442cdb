package config

import "fmt"

// Topics resolves the device's topic scheme from a normalized prefix,
// client id, and node id: the command/response pair, the shared
// replication topic, and this device's own anti-entropy sync inboxes.
type Topics struct {
	Command     string
	Response    string
	Replication string
	SyncRequest string
	SyncResponse string
}

// Topics builds the device's topic set.
func (c *Config) Topics() Topics {
	return Topics{
		Command:      fmt.Sprintf("%s/%s/cmd", c.TopicPrefix, c.ClientID),
		Response:     fmt.Sprintf("%s/%s/res", c.TopicPrefix, c.ClientID),
		Replication:  fmt.Sprintf("%s/replication/events", c.TopicPrefix),
		SyncRequest:  fmt.Sprintf("%s/sync/%s/req", c.TopicPrefix, c.NodeID),
		SyncResponse: fmt.Sprintf("%s/sync/%s/res", c.TopicPrefix, c.NodeID),
	}
}

// PeerSyncRequestTopic is the topic a node publishes an anti-entropy
// request to, addressed at peerNodeID's request inbox.
func (c *Config) PeerSyncRequestTopic(peerNodeID string) string {
	return fmt.Sprintf("%s/sync/%s/req", c.TopicPrefix, peerNodeID)
}

// PeerSyncResponseTopic is the topic a peer publishes its reply to,
// addressed at requesterNodeID's response inbox.
func (c *Config) PeerSyncResponseTopic(requesterNodeID string) string {
	return fmt.Sprintf("%s/sync/%s/res", c.TopicPrefix, requesterNodeID)
}

package wire

// Broker topic layout. Per-agent topics carry the agent id as the last
// token; facts and advertisements are broadcast.
const (
	topicPrefix = "mesh"

	// TopicFactsAll matches every fact topic (NATS-style wildcard).
	TopicFactsAll = topicPrefix + ".facts.>"

	// TopicAdvertisementsAll matches every capability advertisement.
	TopicAdvertisementsAll = topicPrefix + ".capabilities.>"
)

// FactTopic returns the topic for facts about a subject area.
func FactTopic(area string) string {
	if area == "" {
		area = "general"
	}
	return topicPrefix + ".facts." + area
}

// AdvertisementTopic returns the advertisement topic for an agent.
func AdvertisementTopic(agentID string) string {
	return topicPrefix + ".capabilities." + agentID
}

// RequestTopic returns the task-request inbox for an agent.
func RequestTopic(agentID string) string {
	return topicPrefix + ".requests." + agentID
}

// ResultTopic returns the task-result inbox for an agent.
func ResultTopic(agentID string) string {
	return topicPrefix + ".results." + agentID
}

// AckTopic returns the acknowledgement inbox for an agent.
func AckTopic(agentID string) string {
	return topicPrefix + ".acks." + agentID
}

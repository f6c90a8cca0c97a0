package messaging

// InboundTopic is the shared topic every endpoint appends requests to and
// the processor consumes from via its consumer group.
const InboundTopic = "ui-to-system"

// replyTopicPrefix is prepended to an endpoint id to form its private
// reply topic.
const replyTopicPrefix = "system-to-"

// ReplyTopic returns the private reply topic for an endpoint.
func ReplyTopic(endpointID string) string {
	return replyTopicPrefix + endpointID
}

// UserSessionsKey returns the set key holding the endpoint ids a user is
// currently active on.
func UserSessionsKey(userID string) string {
	return "user:" + userID + ":sessions"
}

// EndpointUsersKey returns the set key holding the user ids active on an
// endpoint. The "service" prefix is historical and kept for compatibility
// with existing deployments.
func EndpointUsersKey(endpointID string) string {
	return "service:" + endpointID + ":users"
}

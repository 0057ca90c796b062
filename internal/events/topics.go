package events

// Channel names all share the slotfeed: prefix so a single trailing-wildcard
// subscription can observe the whole feed.
const (
	TopicPrefix  = "slotfeed:"
	TopicLive    = "slotfeed:live"
	TopicBigWins = "slotfeed:big_wins"
	TopicAlerts  = "slotfeed:alerts"

	// PatternAll matches every slotfeed channel.
	PatternAll = "slotfeed:*"
)

// StreamTopic returns the per-session channel.
func StreamTopic(sessionID string) string {
	return TopicPrefix + "stream:" + sessionID
}

// StreamerTopic returns the per-streamer channel.
func StreamerTopic(streamerID string) string {
	return TopicPrefix + "streamer:" + streamerID
}

// GameTopic returns the per-game channel.
func GameTopic(gameID string) string {
	return TopicPrefix + "game:" + gameID
}

// MatchPattern reports whether channel matches pattern. A trailing '*' makes
// the pattern a prefix match; anything else is a literal comparison.
func MatchPattern(pattern, channel string) bool {
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(channel) >= len(prefix) && channel[:len(prefix)] == prefix
	}
	return pattern == channel
}

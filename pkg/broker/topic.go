package broker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTopicFilter is returned by ValidateTopicFilter.
var ErrInvalidTopicFilter = errors.New("invalid topic filter")

// MatchTopic matches a topic against a filter using MQTT wildcard rules.
// + matches exactly one level
// # matches zero or more levels (must be at end)
func MatchTopic(filter, topic string) bool {
	if !strings.ContainsAny(filter, "+#") {
		return filter == topic
	}
	// Wildcards at the first level never match $-prefixed system topics.
	if strings.HasPrefix(topic, "$") && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}

// ValidateTopicFilter checks that filter is a well-formed subscription.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopicFilter)
	}
	parts := strings.Split(filter, "/")
	for i, part := range parts {
		if strings.Contains(part, "#") && (part != "#" || i != len(parts)-1) {
			return fmt.Errorf("%w: %q: # must be the whole last level", ErrInvalidTopicFilter, filter)
		}
		if strings.Contains(part, "+") && part != "+" {
			return fmt.Errorf("%w: %q: + must be a whole level", ErrInvalidTopicFilter, filter)
		}
	}
	return nil
}

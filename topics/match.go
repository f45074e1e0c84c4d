// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const (
	separator   = "/"
	singleLevel = "+"
	multiLevel  = "#"
)

// TopicMatch reports whether topic is matched by filter under MQTT wildcard rules.
// A topic starting with '$' is never matched by a filter whose first level is a wildcard.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, separator)
	topicLevels := strings.Split(topic, separator)

	if IsSystem(topic) && (filterLevels[0] == singleLevel || filterLevels[0] == multiLevel) {
		return false
	}

	for i, level := range filterLevels {
		if level == multiLevel {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level == singleLevel {
			continue
		}
		if level != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}

// IsSystem reports whether the topic belongs to the reserved '$' namespace.
func IsSystem(topic string) bool {
	return strings.HasPrefix(topic, "$")
}

// Levels splits a topic or filter into its levels.
func Levels(topic string) []string {
	return strings.Split(topic, separator)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

// MaxTopicLength is the largest topic the MQTT string encoding can carry.
const MaxTopicLength = 65535

// ValidateTopicName checks if the topic name is valid for PUBLISH (no wildcards).
func ValidateTopicName(topic string) error {
	if !validString(topic) {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, singleLevel+multiLevel) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a SUBSCRIBE/UNSUBSCRIBE filter.
// '+' must occupy a whole level and '#' must be the whole last level.
func ValidateTopicFilter(filter string) error {
	if !validString(filter) {
		return ErrInvalidTopicFilter
	}

	levels := Levels(filter)
	for i, level := range levels {
		switch {
		case level == multiLevel:
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		case level == singleLevel:
		case strings.ContainsAny(level, singleLevel+multiLevel):
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

func validString(s string) bool {
	if s == "" || len(s) > MaxTopicLength {
		return false
	}
	if !utf8.ValidString(s) {
		return false
	}
	return !strings.Contains(s, "\u0000")
}

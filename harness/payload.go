// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GeneratedMessage is the sample payload offered to users who don't want to type one.
type GeneratedMessage struct {
	DateTime string `json:"dt"`
}

// GenerateMessage returns a JSON payload stamped with t, e.g.
// {"dt":"Monday, 19 October 2026 14:03:07"}.
func GenerateMessage(t time.Time) string {
	b, err := json.Marshal(GeneratedMessage{DateTime: t.Format("Monday, 02 January 2006 15:04:05")})
	if err != nil {
		return "{}"
	}
	return string(b)
}

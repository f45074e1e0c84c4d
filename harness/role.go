// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

// Role identifies one of the three independently managed harness participants.
type Role uint8

// Harness roles.
const (
	RoleBroker Role = iota
	RolePublisher
	RoleSubscriber
)

// Roles lists every role in start order.
var Roles = []Role{RoleBroker, RolePublisher, RoleSubscriber}

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleBroker:
		return "broker"
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so roles render by name in JSON.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

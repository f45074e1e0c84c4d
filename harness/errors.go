// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidPort = errors.New("invalid port")
	ErrEmptyTopic  = errors.New("topic must not be empty")
	ErrEmptyHost   = errors.New("host must not be empty")
)

// StartError is returned when a role fails to start. The role's slot stays empty.
type StartError struct {
	Role Role
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Role, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// StopError is returned when stopping a role fails. The role's slot is cleared anyway.
type StopError struct {
	Role Role
	Err  error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("failed to stop %s: %v", e.Role, e.Err)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

// ValidatePort checks that port is a usable TCP port.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// ParsePort converts user input to a port number.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPort, s)
	}
	if err := ValidatePort(port); err != nil {
		return 0, err
	}
	return port, nil
}

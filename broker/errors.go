// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	ErrBrokerClosed     = errors.New("broker closed")
	ErrExpectedConnect  = errors.New("first packet must be CONNECT")
	ErrSessionTakenOver = errors.New("session taken over by new connection")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrUnexpectedPacket = errors.New("unexpected packet")
)

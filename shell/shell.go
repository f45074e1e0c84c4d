// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package shell implements the interactive command line of the harness.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/fluxmq-harness/harness"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("quit")

// Controller is the command surface the shell drives.
type Controller interface {
	StartBroker(ctx context.Context, port int) error
	StopBroker(ctx context.Context) error
	StartPublisher(ctx context.Context, host string, port int) error
	StopPublisher(ctx context.Context) error
	StartSubscriber(ctx context.Context, host string, port int, topic string) error
	StopSubscriber(ctx context.Context) error
	Publish(ctx context.Context, topic, payload string) error
	Status() harness.StatusSnapshot
}

// UsageError reports a malformed command line.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string {
	return "usage: " + e.Usage
}

// reportedError marks errors the coordinator already delivered to its sink.
type reportedError struct {
	error
}

func (e reportedError) Unwrap() error {
	return e.error
}

const help = `commands:
  broker start <port>                     start the embedded broker
  broker stop                             stop the embedded broker
  publisher start [host] <port>           connect the publisher
  publisher stop                          disconnect the publisher
  subscriber start [host] <port> <topic>  connect the subscriber to topic
  subscriber stop                         disconnect the subscriber
  publish <topic> <payload...>            publish (QoS 1, retained)
  generate [topic]                        print or publish a timestamp payload
  status                                  show which roles are running
  help                                    show this text
  quit                                    stop every role and exit
`

// Shell reads commands line by line and runs them against a Controller.
type Shell struct {
	ctrl        Controller
	out         io.Writer
	logger      *slog.Logger
	defaultHost string
	prompt      string
	now         func() time.Time
}

// New creates a shell writing prompts and command output to out. Client
// start commands that omit the host use defaultHost.
func New(ctrl Controller, out io.Writer, defaultHost string, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultHost == "" {
		defaultHost = "localhost"
	}
	return &Shell{
		ctrl:        ctrl,
		out:         out,
		logger:      logger,
		defaultHost: defaultHost,
		prompt:      "> ",
		now:         time.Now,
	}
}

// Run executes commands from in until quit, end of input or ctx is done.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	fmt.Fprint(s.out, s.prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := s.Exec(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			var rep reportedError
			if err != nil && !errors.As(err, &rep) {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			fmt.Fprint(s.out, s.prompt)
		}
	}
}

// Exec runs a single command line.
func (s *Shell) Exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	s.logger.Debug("shell command", slog.String("command", args[0]))

	switch strings.ToLower(args[0]) {
	case "broker":
		return s.broker(ctx, args[1:])
	case "publisher", "pub":
		return s.publisher(ctx, args[1:])
	case "subscriber", "sub":
		return s.subscriber(ctx, args[1:])
	case "publish":
		return s.publish(ctx, args[1:])
	case "generate", "gen":
		return s.generate(ctx, args[1:])
	case "status":
		fmt.Fprintln(s.out, FormatStatus(s.ctrl.Status()))
		return nil
	case "help", "?":
		fmt.Fprint(s.out, help)
		return nil
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("unknown command %q, type help", args[0])
	}
}

func (s *Shell) broker(ctx context.Context, args []string) error {
	const usage = "broker start <port> | broker stop"
	if len(args) == 0 {
		return &UsageError{Usage: usage}
	}
	switch args[0] {
	case "start":
		if len(args) != 2 {
			return &UsageError{Usage: usage}
		}
		port, err := harness.ParsePort(args[1])
		if err != nil {
			return err
		}
		return reported(s.ctrl.StartBroker(ctx, port))
	case "stop":
		return reported(s.ctrl.StopBroker(ctx))
	default:
		return &UsageError{Usage: usage}
	}
}

func (s *Shell) publisher(ctx context.Context, args []string) error {
	const usage = "publisher start [host] <port> | publisher stop"
	if len(args) == 0 {
		return &UsageError{Usage: usage}
	}
	switch args[0] {
	case "start":
		host := s.defaultHost
		var portArg string
		switch len(args) {
		case 2:
			portArg = args[1]
		case 3:
			host, portArg = args[1], args[2]
		default:
			return &UsageError{Usage: usage}
		}
		port, err := harness.ParsePort(portArg)
		if err != nil {
			return err
		}
		return reported(s.ctrl.StartPublisher(ctx, host, port))
	case "stop":
		return reported(s.ctrl.StopPublisher(ctx))
	default:
		return &UsageError{Usage: usage}
	}
}

func (s *Shell) subscriber(ctx context.Context, args []string) error {
	const usage = "subscriber start [host] <port> <topic> | subscriber stop"
	if len(args) == 0 {
		return &UsageError{Usage: usage}
	}
	switch args[0] {
	case "start":
		host := s.defaultHost
		var portArg, topic string
		switch len(args) {
		case 3:
			portArg, topic = args[1], args[2]
		case 4:
			host, portArg, topic = args[1], args[2], args[3]
		default:
			return &UsageError{Usage: usage}
		}
		port, err := harness.ParsePort(portArg)
		if err != nil {
			return err
		}
		return reported(s.ctrl.StartSubscriber(ctx, host, port, topic))
	case "stop":
		return reported(s.ctrl.StopSubscriber(ctx))
	default:
		return &UsageError{Usage: usage}
	}
}

func (s *Shell) publish(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return &UsageError{Usage: "publish <topic> <payload...>"}
	}
	return s.send(ctx, args[0], strings.Join(args[1:], " "))
}

func (s *Shell) generate(ctx context.Context, args []string) error {
	payload := harness.GenerateMessage(s.now())
	switch len(args) {
	case 0:
		fmt.Fprintln(s.out, payload)
		return nil
	case 1:
		return s.send(ctx, args[0], payload)
	default:
		return &UsageError{Usage: "generate [topic]"}
	}
}

func (s *Shell) send(ctx context.Context, topic, payload string) error {
	err := s.ctrl.Publish(ctx, topic, payload)
	if err != nil && !errors.Is(err, harness.ErrEmptyTopic) {
		return reportedError{err}
	}
	return err
}

// reported wraps role start and stop failures, which the coordinator has
// already sent to its sink.
func reported(err error) error {
	var startErr *harness.StartError
	var stopErr *harness.StopError
	if errors.As(err, &startErr) || errors.As(err, &stopErr) {
		return reportedError{err}
	}
	return err
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

// Sink receives the harness outputs. Implementations are called from the
// execution context they were bound to with OnExecutor.
type Sink interface {
	OnMessage(rec InboundMessageRecord)
	OnStatus(snap StatusSnapshot)
	OnError(message string)
	OnConnection(ev ConnectionEvent)
}

// NopSink discards every notification.
type NopSink struct{}

func (NopSink) OnMessage(InboundMessageRecord) {}
func (NopSink) OnStatus(StatusSnapshot)        {}
func (NopSink) OnError(string)                 {}
func (NopSink) OnConnection(ConnectionEvent)   {}

// Sinks fans every notification out to each sink in order.
type Sinks []Sink

func (s Sinks) OnMessage(rec InboundMessageRecord) {
	for _, sink := range s {
		sink.OnMessage(rec)
	}
}

func (s Sinks) OnStatus(snap StatusSnapshot) {
	for _, sink := range s {
		sink.OnStatus(snap)
	}
}

func (s Sinks) OnError(message string) {
	for _, sink := range s {
		sink.OnError(message)
	}
}

func (s Sinks) OnConnection(ev ConnectionEvent) {
	for _, sink := range s {
		sink.OnConnection(ev)
	}
}

// OnExecutor returns a Sink that posts every call to exec instead of running
// it on the caller's goroutine.
func OnExecutor(exec Executor, sink Sink) Sink {
	return &executorSink{exec: exec, sink: sink}
}

type executorSink struct {
	exec Executor
	sink Sink
}

func (s *executorSink) OnMessage(rec InboundMessageRecord) {
	_ = s.exec.Post(func() { s.sink.OnMessage(rec) })
}

func (s *executorSink) OnStatus(snap StatusSnapshot) {
	_ = s.exec.Post(func() { s.sink.OnStatus(snap) })
}

func (s *executorSink) OnError(message string) {
	_ = s.exec.Post(func() { s.sink.OnError(message) })
}

func (s *executorSink) OnConnection(ev ConnectionEvent) {
	_ = s.exec.Post(func() { s.sink.OnConnection(ev) })
}

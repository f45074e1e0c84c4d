// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"

	"github.com/absmach/fluxmq-harness/storage"
	"github.com/absmach/fluxmq-harness/topics"
)

// Router is a topic trie holding live subscriptions.
type Router struct {
	mu   sync.RWMutex
	root *node
}

type node struct {
	children map[string]*node
	subs     map[string]byte // client ID -> QoS at this exact level
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{root: newNode()}
}

func newNode() *node {
	return &node{
		children: make(map[string]*node),
		subs:     make(map[string]byte),
	}
}

// Subscribe adds or replaces the client's subscription to filter.
func (r *Router) Subscribe(clientID, filter string, qos byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.root
	for _, level := range topics.Levels(filter) {
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}
	n.subs[clientID] = qos
}

// Unsubscribe removes the client's subscription to filter and prunes empty branches.
func (r *Router) Unsubscribe(clientID, filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	levels := topics.Levels(filter)
	path := make([]*node, 0, len(levels)+1)
	n := r.root
	path = append(path, n)
	for _, level := range levels {
		child, ok := n.children[level]
		if !ok {
			return
		}
		n = child
		path = append(path, n)
	}
	delete(n.subs, clientID)

	for i := len(levels) - 1; i >= 0; i-- {
		child := path[i+1]
		if len(child.subs) > 0 || len(child.children) > 0 {
			break
		}
		delete(path[i].children, levels[i])
	}
}

// Match returns one subscription per client matching topic, carrying the
// highest granted QoS among that client's overlapping filters.
func (r *Router) Match(topic string) []storage.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := make(map[string]byte)
	levels := topics.Levels(topic)
	matchLevel(r.root, levels, 0, topics.IsSystem(topic), best)

	subs := make([]storage.Subscription, 0, len(best))
	for clientID, qos := range best {
		subs = append(subs, storage.Subscription{ClientID: clientID, QoS: qos})
	}
	return subs
}

func collect(n *node, best map[string]byte) {
	for clientID, qos := range n.subs {
		if cur, ok := best[clientID]; !ok || qos > cur {
			best[clientID] = qos
		}
	}
}

func matchLevel(n *node, levels []string, index int, system bool, best map[string]byte) {
	// '$' topics are only reachable through an explicit first level.
	wildcards := !(system && index == 0)

	if index == len(levels) {
		collect(n, best)
		if wild, ok := n.children["#"]; ok && wildcards {
			collect(wild, best)
		}
		return
	}

	if child, ok := n.children[levels[index]]; ok {
		matchLevel(child, levels, index+1, system, best)
	}
	if !wildcards {
		return
	}
	if child, ok := n.children["+"]; ok {
		matchLevel(child, levels, index+1, system, best)
	}
	if child, ok := n.children["#"]; ok {
		collect(child, best)
	}
}

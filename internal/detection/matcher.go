// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package detection

// ByteMatcher is a case-sensitive Aho-Corasick automaton over raw bytes.
// It finds every occurrence of every pattern in O(n + m + z) time, where
// n is the payload length, m the total pattern length and z the number of
// matches. A ByteMatcher is immutable after construction and safe for
// concurrent use.
//
// Example:
//
//	m := NewByteMatcher([]BytePattern{
//	    {Bytes: []byte("\x13BitTorrent protocol"), Name: "bittorrent_handshake"},
//	    {Bytes: []byte("info_hash"), Name: "info_hash"},
//	})
//	matches := m.Search(payload)
type ByteMatcher struct {
	root     *byteNode
	patterns []BytePattern
}

type byteNode struct {
	children map[byte]*byteNode
	failure  *byteNode
	output   []int
}

// BytePattern is one pattern with its name.
type BytePattern struct {
	Bytes []byte
	Name  string
}

// ByteMatch is one pattern occurrence.
type ByteMatch struct {
	Name     string
	Position int
}

func newByteNode() *byteNode {
	return &byteNode{children: make(map[byte]*byteNode)}
}

// NewByteMatcher builds the automaton. Empty patterns are ignored.
func NewByteMatcher(patterns []BytePattern) *ByteMatcher {
	m := &ByteMatcher{root: newByteNode()}
	for _, p := range patterns {
		if len(p.Bytes) == 0 {
			continue
		}
		m.patterns = append(m.patterns, p)
		m.insert(len(m.patterns)-1, p.Bytes)
	}
	m.buildFailureLinks()
	return m
}

func (m *ByteMatcher) insert(index int, pattern []byte) {
	node := m.root
	for _, b := range pattern {
		next := node.children[b]
		if next == nil {
			next = newByteNode()
			node.children[b] = next
		}
		node = next
	}
	node.output = append(node.output, index)
}

// buildFailureLinks wires failure links breadth first. Children are visited
// in byte order so output slices are identical across builds.
func (m *ByteMatcher) buildFailureLinks() {
	queue := make([]*byteNode, 0, len(m.root.children))
	for _, b := range sortedKeys(m.root.children) {
		child := m.root.children[b]
		child.failure = m.root
		queue = append(queue, child)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, b := range sortedKeys(current.children) {
			child := current.children[b]
			queue = append(queue, child)

			fail := current.failure
			for fail != nil && fail.children[b] == nil {
				fail = fail.failure
			}
			if fail == nil {
				child.failure = m.root
			} else {
				child.failure = fail.children[b]
				child.output = append(child.output, child.failure.output...)
			}
		}
	}
}

func sortedKeys(children map[byte]*byteNode) []byte {
	keys := make([]byte, 0, len(children))
	for b := 0; b < 256; b++ {
		if _, ok := children[byte(b)]; ok {
			keys = append(keys, byte(b))
		}
	}
	return keys
}

func (m *ByteMatcher) step(node *byteNode, b byte) *byteNode {
	for node != nil && node.children[b] == nil {
		node = node.failure
	}
	if node == nil {
		return m.root
	}
	return node.children[b]
}

// Search returns every match ordered by end position.
func (m *ByteMatcher) Search(data []byte) []ByteMatch {
	if len(m.patterns) == 0 {
		return nil
	}

	var matches []ByteMatch
	node := m.root
	for i, b := range data {
		node = m.step(node, b)
		for _, idx := range node.output {
			p := m.patterns[idx]
			matches = append(matches, ByteMatch{Name: p.Name, Position: i - len(p.Bytes) + 1})
		}
	}
	return matches
}

// Contains reports whether any pattern occurs in data.
func (m *ByteMatcher) Contains(data []byte) bool {
	if len(m.patterns) == 0 {
		return false
	}
	node := m.root
	for _, b := range data {
		node = m.step(node, b)
		if len(node.output) > 0 {
			return true
		}
	}
	return false
}

// PatternCount returns the number of patterns in the automaton.
func (m *ByteMatcher) PatternCount() int {
	return len(m.patterns)
}

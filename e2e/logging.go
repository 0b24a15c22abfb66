//go:build e2e

package e2e

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/testcontainers/testcontainers-go"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func StripAnsi(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

type LogSource string

const (
	SourceStdout LogSource = "stdout"
	SourceStderr LogSource = "stderr"
)

type LogSubscription struct {
	Node    string
	Source  LogSource
	Pattern string
	Regex   *regexp.Regexp
	MatchCh chan struct{}
}

func (s *LogSubscription) matches(content string) bool {
	if s.Regex != nil {
		return s.Regex.MatchString(content)
	}
	return strings.Contains(content, s.Pattern)
}

func (s *LogSubscription) notify() {
	select {
	case s.MatchCh <- struct{}{}:
	default:
	}
}

type logKey struct {
	node   string
	source LogSource
}

// LogManager keeps the output of every container and wakes up subscribers
// waiting for a pattern. Patterns also match output received before they
// subscribed.
type LogManager struct {
	mu          sync.Mutex
	subscribers []*LogSubscription
	history     map[logKey]*strings.Builder
}

func NewLogManager() *LogManager {
	return &LogManager{
		history: make(map[logKey]*strings.Builder),
	}
}

func (m *LogManager) Accept(node string, source LogSource, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := logKey{node, source}
	b, ok := m.history[key]
	if !ok {
		b = &strings.Builder{}
		m.history[key] = b
	}
	b.WriteString(content)
	full := b.String()
	for _, sub := range m.subscribers {
		if sub.Node == node && sub.Source == source && sub.matches(full) {
			sub.notify()
		}
	}
}

func (m *LogManager) History(node string, source LogSource) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.history[logKey{node, source}]; ok {
		return b.String()
	}
	return ""
}

func (m *LogManager) Subscribe(node string, source LogSource, pattern string, isRegex bool) (*LogSubscription, error) {
	sub := &LogSubscription{
		Node:    node,
		Source:  source,
		MatchCh: make(chan struct{}, 1),
	}
	if isRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		sub.Regex = re
	} else {
		sub.Pattern = pattern
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, sub)
	if b, ok := m.history[logKey{node, source}]; ok && sub.matches(b.String()) {
		sub.notify()
	}
	return sub, nil
}

func (m *LogManager) Unsubscribe(sub *LogSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = slices.DeleteFunc(m.subscribers, func(s *LogSubscription) bool {
		return s == sub
	})
}

// UnifiedLogConsumer echoes container output tagged with the node id.
type UnifiedLogConsumer struct {
	Node    string
	Manager *LogManager
}

func (c *UnifiedLogConsumer) Accept(l testcontainers.Log) {
	source := SourceStdout
	if l.LogType == testcontainers.StderrLog {
		source = SourceStderr
	}
	content := StripAnsi(string(l.Content))
	fmt.Printf("[%s:%s] %s", c.Node, source, content)
	c.Manager.Accept(c.Node, source, content)
}

// Package settings holds viewer preferences behind a small get/set/reset
// surface so components never touch persistent storage directly.
package settings

import (
	"strconv"
	"sync"
)

const (
	KeyLanguage       = "language"
	KeyLanguageFirst  = "language_first"
	KeyLanguageSecond = "language_second"
	KeyIsSplit        = "is_split"
	KeySpeechLanguage = "speech_language"
	KeyLastChatroom   = "last_chatroom"
)

// Defaults is the value table consulted when a key has never been set.
var Defaults = map[string]string{
	KeyLanguage:       "raw",
	KeyLanguageFirst:  "raw",
	KeyLanguageSecond: "raw",
	KeyIsSplit:        "false",
	KeySpeechLanguage: "en-US",
	KeyLastChatroom:   "",
}

type Provider interface {
	// Get returns the stored value or the default for key.
	Get(key string) string
	Set(key, value string) error
	// Reset restores the default for key.
	Reset(key string) error
}

func Bool(p Provider, key string) bool {
	b, _ := strconv.ParseBool(p.Get(key))
	return b
}

func Int(p Provider, key string) int {
	n, _ := strconv.Atoi(p.Get(key))
	return n
}

type MemoryProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{values: make(map[string]string)}
}

func (m *MemoryProvider) Get(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[key]; ok {
		return v
	}
	return Defaults[key]
}

func (m *MemoryProvider) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryProvider) Reset(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

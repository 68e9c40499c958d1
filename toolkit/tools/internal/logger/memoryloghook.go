// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryLogHook keeps log entries in memory so that tests can assert on what a build step reported.
type MemoryLogHook struct {
	lock     sync.Mutex
	messages []MemoryLogMessage
}

type MemoryLogMessage struct {
	Message string
	Level   logrus.Level
}

// AttachMemoryLogHook registers a new hook on Log. Call Detach when done.
func AttachMemoryLogHook() *MemoryLogHook {
	hook := &MemoryLogHook{}
	Log.AddHook(hook)
	return hook
}

func (h *MemoryLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *MemoryLogHook) Fire(entry *logrus.Entry) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.messages = append(h.messages, MemoryLogMessage{
		Message: entry.Message,
		Level:   entry.Level,
	})
	return nil
}

// Detach removes the hook from Log.
func (h *MemoryLogHook) Detach() {
	hooks := make(logrus.LevelHooks)
	for level, levelHooks := range Log.Hooks {
		for _, hook := range levelHooks {
			if hook == logrus.Hook(h) {
				continue
			}
			hooks[level] = append(hooks[level], hook)
		}
	}
	Log.ReplaceHooks(hooks)
}

// ConsumeMessages returns the recorded messages and clears the buffer.
func (h *MemoryLogHook) ConsumeMessages() []MemoryLogMessage {
	h.lock.Lock()
	defer h.lock.Unlock()

	messages := h.messages
	h.messages = nil
	return messages
}

// MessagesAtLevel returns the recorded messages with exactly the given level.
func (h *MemoryLogHook) MessagesAtLevel(level logrus.Level) []string {
	h.lock.Lock()
	defer h.lock.Unlock()

	matches := []string(nil)
	for _, message := range h.messages {
		if message.Level == level {
			matches = append(matches, message.Message)
		}
	}
	return matches
}

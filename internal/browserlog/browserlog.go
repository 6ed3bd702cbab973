// Package browserlog holds the append-only console and network logs collected
// during one browser session.
//
// Appends arrive from engine event goroutines while the caller reads from its
// own goroutine. Nothing here waits for pending events: a reader sees whatever
// has been appended so far.
package browserlog

import (
	"fmt"
	"strconv"
	"sync"
)

// ConsoleTypeError is the console category kept by ConsoleErrors.
const ConsoleTypeError = "error"

// ConsoleEntry is one console message emitted by page script.
type ConsoleEntry struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Location string `json:"location,omitempty"`
}

// NetworkEntry is a request that reached the HTTP response stage.
// Status is nil when no response object could be obtained.
type NetworkEntry struct {
	URL    string `json:"url"`
	Method string `json:"method"`
	Status *int   `json:"status"`
}

// Sink receives session log events.
type Sink interface {
	AppendConsole(ConsoleEntry)
	AppendNetwork(NetworkEntry)
	AppendNetworkError(string)
}

// Buffer is an in-memory Sink. Readers return copies.
type Buffer struct {
	mu            sync.Mutex
	console       []ConsoleEntry
	network       []NetworkEntry
	networkErrors []string
}

var _ Sink = (*Buffer)(nil)

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) AppendConsole(e ConsoleEntry) {
	b.mu.Lock()
	b.console = append(b.console, e)
	b.mu.Unlock()
}

func (b *Buffer) AppendNetwork(e NetworkEntry) {
	if e.Status != nil {
		status := *e.Status
		e.Status = &status
	}
	b.mu.Lock()
	b.network = append(b.network, e)
	b.mu.Unlock()
}

func (b *Buffer) AppendNetworkError(msg string) {
	b.mu.Lock()
	b.networkErrors = append(b.networkErrors, msg)
	b.mu.Unlock()
}

// Console returns all console entries in arrival order.
func (b *Buffer) Console() []ConsoleEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ConsoleEntry, len(b.console))
	copy(out, b.console)
	return out
}

// ConsoleErrors returns the console entries of type "error" in arrival order.
func (b *Buffer) ConsoleErrors() []ConsoleEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ConsoleEntry, 0, len(b.console))
	for _, e := range b.console {
		if e.Type == ConsoleTypeError {
			out = append(out, e)
		}
	}
	return out
}

// Network returns all completed requests in arrival order.
func (b *Buffer) Network() []NetworkEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]NetworkEntry, len(b.network))
	for i, e := range b.network {
		if e.Status != nil {
			status := *e.Status
			e.Status = &status
		}
		out[i] = e
	}
	return out
}

// NetworkErrors returns the transport failure messages in arrival order.
func (b *Buffer) NetworkErrors() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.networkErrors))
	copy(out, b.networkErrors)
	return out
}

// Len returns the sizes of the console, network and network-error logs.
func (b *Buffer) Len() (console, network, networkErrors int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.console), len(b.network), len(b.networkErrors)
}

// FormatLocation composes the url:line:column location of a console message.
func FormatLocation(url string, line, column int) string {
	return fmt.Sprintf("%s:%d:%d", url, line, column)
}

// FormatNetworkError renders a transport failure.
func FormatNetworkError(method, url, reason string) string {
	return fmt.Sprintf("%s %s failed: %s", method, url, reason)
}

// FormatConsole renders an entry as "[type] text".
func FormatConsole(e ConsoleEntry) string {
	return "[" + e.Type + "] " + e.Text
}

// FormatNetwork renders an entry as "METHOD STATUS URL"; a missing status
// prints as "null".
func FormatNetwork(e NetworkEntry) string {
	status := "null"
	if e.Status != nil {
		status = strconv.Itoa(*e.Status)
	}
	return e.Method + " " + status + " " + e.URL
}

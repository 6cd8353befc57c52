package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RequestLog represents a single /execute invocation log entry.
type RequestLog struct {
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	Language      string    `json:"language"`
	VMID          string    `json:"vm_id"`
	DurationMs    int64     `json:"duration_ms"`
	BorrowWaitMs  int64     `json:"borrow_wait_ms,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	InputSize     int       `json:"input_size"`
	OutputSize    int       `json:"output_size,omitempty"`
}

// Logger handles per-request logging, split into a human-readable console
// stream and an optional JSON-lines file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a request log entry.
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		wait := ""
		if entry.BorrowWaitMs > 0 {
			wait = fmt.Sprintf(" [wait:%dms]", entry.BorrowWaitMs)
		}
		fmt.Printf("[execute] %s %s %s vm=%s %dms%s\n",
			status, entry.RequestID, entry.Language, entry.VMID, entry.DurationMs, wait)
		if entry.Error != "" {
			fmt.Printf("[execute]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

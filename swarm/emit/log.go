package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer in text or JSON-lines form.
//
// Text form:
//
//	[TASK_TRANSITION] workflow=etl-1 task=extract READY->RUNNING
//
// JSON form is one Event per line, suitable for log shippers.
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit implements Emitter. Write errors are swallowed; logging never
// fails a workflow.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		_, _ = l.writer.Write(append(data, '\n'))
		return
	}

	line := fmt.Sprintf("[%s] workflow=%s", event.Name, event.WorkflowID)
	if event.TaskID != "" {
		line += " task=" + event.TaskID
	}
	if event.From != "" || event.To != "" {
		line += fmt.Sprintf(" %s->%s", event.From, event.To)
	}
	if event.Msg != "" {
		line += " msg=" + fmt.Sprintf("%q", event.Msg)
	}
	for k, v := range event.Meta {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	_, _ = fmt.Fprintln(l.writer, line)
}

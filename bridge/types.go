package bridge

import "fmt"

// Task is a controller->worker message.
// A Task with Run=false asks the worker to exit; its other fields are ignored.
type Task struct {
	Run bool `cbor:"run"`

	// SourceID labels the submission, e.g. "<input 3>", and is used to attribute trace lines to it.
	SourceID string `cbor:"source_id,omitempty"`
	Source   string `cbor:"source,omitempty"`
}

// Shutdown is the Task that terminates the worker's session loop.
var Shutdown = Task{Run: false}

// Stream identifies a logical output stream of the worker.
type Stream uint8

const (
	Primary Stream = iota + 1
	Diagnostic
)

func (s Stream) String() string {
	switch s {
	case Primary:
		return "primary"
	case Diagnostic:
		return "diagnostic"
	default:
		return fmt.Sprintf("stream(%d)", uint8(s))
	}
}

// Chunk is a worker->controller message.
// Chunks before the last one of a task carry a fragment of one stream's output,
// not necessarily a whole or single line.
// The last chunk of a task has EndOfTask=true and carries no stream or text.
type Chunk struct {
	EndOfTask bool   `cbor:"end_of_task"`
	Stream    Stream `cbor:"stream,omitempty"`
	Text      string `cbor:"text,omitempty"`
}

// EndOfTask is the single marker chunk that terminates a task's output.
var EndOfTask = Chunk{EndOfTask: true}

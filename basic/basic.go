package basic

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const loggerName = "basic_session"

var defaultLogger = sync.OnceValue(func() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	return logger.Sugar().Named(loggerName)
})

// Must panics if err is non-nil.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}

func Must2[V any](v V, err error) V {
	Must(err)
	return v
}

// TaskError is a task whose code failed. Its message includes the trace.
type TaskError struct {
	SourceID string
	Trace    string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed:\n%s", e.SourceID, e.Trace)
}

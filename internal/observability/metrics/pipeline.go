// Package metrics standardises the names and tags of settlement pipeline metrics.
package metrics

import (
	"time"

	obserrors "github.com/target/escrow-settlement/internal/observability/errors"
	"github.com/target/escrow-settlement/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Metric names.
const (
	MetricTaskRun      = "task.run"
	MetricTaskDuration = "task.duration"
	MetricRowOutcome   = "row.outcome"
	MetricLogicError   = "logic_error"
)

// TaskRun describes one scheduled run of a pipeline task.
type TaskRun struct {
	Task     string
	Result   string
	Duration time.Duration
	Err      error
}

// EmitTaskRun emits the run counter and, when known, its duration.
func EmitTaskRun(sink statsd.Sink, in TaskRun) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"task":   in.Task,
		"result": in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count(MetricTaskRun, 1, tags)
	if in.Duration > 0 {
		sink.Timing(MetricTaskDuration, in.Duration, CloneTags(tags))
	}
}

// EmitRowOutcome counts the outcome of a single row processed by task.
func EmitRowOutcome(sink statsd.Sink, task, outcome string) {
	if sink == nil {
		return
	}
	sink.Count(MetricRowOutcome, 1, map[string]string{
		"task":    task,
		"outcome": outcome,
	})
}

// EmitLogicError counts an invariant violation that was surfaced rather than retried.
func EmitLogicError(sink statsd.Sink, task string, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"task": task}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
	sink.Count(MetricLogicError, 1, tags)
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

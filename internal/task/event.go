package task

import (
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

// EventStatus 是进度事件的状态。
type EventStatus string

const (
	EventStarted   EventStatus = "started"
	EventRunning   EventStatus = "running"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
	EventSuccess   EventStatus = "success"
	EventError     EventStatus = "error"
)

// Terminal 判断事件是否结束了一个步骤。
func (s EventStatus) Terminal() bool {
	switch s {
	case EventCompleted, EventFailed, EventSuccess, EventError:
		return true
	default:
		return false
	}
}

// EventData 是事件携带的结构化数据。
type EventData struct {
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
	Code    string            `json:"code,omitempty"`
	Details []string          `json:"details,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Event 是任务事件日志中的一条记录，Offset 从 0 开始按追加顺序递增。
type Event struct {
	TaskID    string      `json:"task_id"`
	Offset    int64       `json:"offset"`
	Step      string      `json:"step"`
	Status    EventStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Data      EventData   `json:"data"`
}

func newEvent(step string, status EventStatus, message string) Event {
	return Event{Step: step, Status: status, Data: EventData{Message: message}}
}

// StepStarted 构造步骤开始事件。
func StepStarted(step string) Event {
	return newEvent(step, EventStarted, step+" started")
}

// StepRunning 构造步骤内的进度事件。
func StepRunning(step, message string, attrs map[string]string) Event {
	evt := newEvent(step, EventRunning, message)
	evt.Data.Attrs = attrs
	return evt
}

// StepCompleted 构造步骤成功结束事件。
func StepCompleted(step, message string) Event {
	if message == "" {
		message = step + " completed"
	}
	return newEvent(step, EventCompleted, message)
}

// StepFailed 构造步骤失败事件。
func StepFailed(step string, te *TaskError) Event {
	evt := newEvent(step, EventFailed, step+" failed")
	evt.Data.Error = te.Message
	evt.Data.Code = string(te.Code)
	evt.Data.Details = append([]string(nil), te.Details...)
	evt.Data.Attrs = copyAttrs(te.Attrs)
	return evt
}

// taskSucceeded 与 taskFailed 是任务级终结事件。
func taskSucceeded() Event {
	return newEvent(StepTask, EventSuccess, "task complete")
}

func taskFailed(te *TaskError) Event {
	evt := newEvent(StepTask, EventError, "task failed at "+te.Step)
	evt.Data.Error = te.Message
	evt.Data.Code = string(te.Code)
	evt.Data.Details = append([]string(nil), te.Details...)
	return evt
}

// NewTaskError 将任意错误归一为任务错误。
func NewTaskError(step string, err error) *TaskError {
	te := &TaskError{Step: step, Code: xerrors.CodeOf(err)}
	if e, ok := xerrors.From(err); ok {
		te.Message = e.Message()
		if cause := e.Unwrap(); cause != nil {
			te.Message += ": " + cause.Error()
		}
		te.Details = e.Details()
		te.Attrs = e.Metadata()
	} else if err != nil {
		te.Message = err.Error()
	}
	if te.Code == xerrors.CodeUnknown {
		te.Code = CodeTaskProcessing
	}
	return te
}

// FailureEvents 返回从 state 失败时需要追加的事件：当前步骤的失败事件和任务级错误事件。
func FailureEvents(state State, te *TaskError) []Event {
	var events []Event
	if step := state.Step(); step != "" {
		events = append(events, StepFailed(step, te))
	}
	return append(events, taskFailed(te))
}

// AdvanceEvents 返回 from → to 前进时需要追加的事件。
func AdvanceEvents(from, to State, message string) []Event {
	var events []Event
	if step := from.Step(); step != "" {
		events = append(events, StepCompleted(step, message))
	}
	if step := to.Step(); step != "" {
		events = append(events, StepStarted(step))
	}
	if to == StateComplete {
		events = append(events, taskSucceeded())
	}
	return events
}

func cloneEvent(e Event) Event {
	e.Data.Details = append([]string(nil), e.Data.Details...)
	if e.Data.Attrs != nil {
		attrs := make(map[string]string, len(e.Data.Attrs))
		for k, v := range e.Data.Attrs {
			attrs[k] = v
		}
		e.Data.Attrs = attrs
	}
	return e
}

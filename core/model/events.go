package model

import (
	"context"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/uuid"
)

// EventType names the lifecycle events a Model publishes on its bus.
type EventType string

const (
	BindingDeclare EventType = "binding:declare"
	FilterRegister EventType = "filter:register"
	InvokeStart    EventType = "invoke:start"
	InvokeSuccess  EventType = "invoke:success"
	InvokeFailed   EventType = "invoke:failed"
	ExecStart      EventType = "exec:start"
	ExecSuccess    EventType = "exec:success"
	ExecFailed     EventType = "exec:failed"
)

// Event is the payload published for every EventType.
type Event struct {
	Type         EventType `json:"type"`
	Timestamp    int64     `json:"timestamp"`              // Unix milliseconds.
	Operation    string    `json:"operation"`              // "bind", "use", "invoke" or "exec".
	Binding      *string   `json:"binding,omitempty"`      // Binding name, or the filtered field for "use".
	InvocationID string    `json:"invocationId,omitempty"` // Shared by the start and outcome events of one call.
	Params       []any     `json:"params,omitempty"`       // Parameters handed to the executor.
	Output       any       `json:"output,omitempty"`       // Result reported by the executor.
	Error        *string   `json:"error,omitempty"`
	Duration     *int64    `json:"duration,omitempty"` // Milliseconds since the start event.
}

// EventBus is the typed bus a Model publishes to. Several models may share one.
type EventBus = events.TypedEventBus[Event]

// EventCallbackFunction handles a published Event.
type EventCallbackFunction func(ctx context.Context, event Event) error

// RegisterSubscriptionOptions describes a subscription to one EventType.
type RegisterSubscriptionOptions struct {
	Event       EventType `json:"event"`
	Label       *string   `json:"label,omitempty"`
	Description *string   `json:"description,omitempty"`
	Callback    EventCallbackFunction
}

// SubscriptionInfo describes a registered subscription.
type SubscriptionInfo struct {
	Id          *string   `json:"id,omitempty"`
	Event       EventType `json:"event"`
	Label       *string   `json:"label,omitempty"`
	Description *string   `json:"description,omitempty"`
	Unsubscribe func()    `json:"-"`
}

// NewEventBus creates a bus with the library defaults.
func NewEventBus() (*EventBus, error) {
	return events.NewTypedEventBus[Event](events.DefaultConfig())
}

func createEvent(
	eventType EventType,
	operation string,
	name string,
	invocationID string,
	params []any,
	output any,
	err error,
	startTime time.Time,
) Event {
	var duration *int64
	if !startTime.IsZero() {
		d := time.Since(startTime).Milliseconds()
		duration = &d
	}

	var errStr *string
	if err != nil {
		s := err.Error()
		errStr = &s
	}

	var namePtr *string
	if name != "" {
		namePtr = &name
	}

	return Event{
		Type:         eventType,
		Timestamp:    time.Now().UnixMilli(),
		Operation:    operation,
		Binding:      namePtr,
		InvocationID: invocationID,
		Params:       params,
		Output:       output,
		Error:        errStr,
		Duration:     duration,
	}
}

func (m *Model) emitEvent(event Event) {
	if m.bus != nil {
		m.bus.Emit(string(event.Type), event)
	}
}

// observe wraps done so the outcome of an executor call is published before
// it reaches the caller. The error and result are forwarded untouched. A nil
// done stays nil: fire-and-forget calls only publish their start event.
func (m *Model) observe(operation, name, invocationID string, startTime time.Time, done func(error, any)) func(error, any) {
	if done == nil {
		return nil
	}
	success, failed := InvokeSuccess, InvokeFailed
	if operation == "exec" {
		success, failed = ExecSuccess, ExecFailed
	}
	return func(err error, result any) {
		if err != nil {
			m.emitEvent(createEvent(failed, operation, name, invocationID, nil, nil, err, startTime))
		} else {
			m.emitEvent(createEvent(success, operation, name, invocationID, nil, result, nil, startTime))
		}
		done(err, result)
	}
}

// RegisterSubscription registers a callback for one event type and returns
// an id for UnregisterSubscription.
func (m *Model) RegisterSubscription(options RegisterSubscriptionOptions) string {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	unsubscribe := m.bus.Subscribe(string(options.Event), options.Callback)
	id := uuid.New().String()

	m.subscriptions[id] = &SubscriptionInfo{
		Id:          &id,
		Event:       options.Event,
		Unsubscribe: unsubscribe,
		Label:       options.Label,
		Description: options.Description,
	}
	return id
}

// UnregisterSubscription removes a subscription by id. Unknown ids are ignored.
func (m *Model) UnregisterSubscription(id string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if info := m.subscriptions[id]; info != nil {
		info.Unsubscribe()
		delete(m.subscriptions, id)
	}
}

// Subscriptions returns the registered subscriptions.
func (m *Model) Subscriptions() []SubscriptionInfo {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]SubscriptionInfo, 0, len(m.subscriptions))
	for _, info := range m.subscriptions {
		out = append(out, *info)
	}
	return out
}

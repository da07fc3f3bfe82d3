package monitor

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// Args is a sealed marker interface for monitor command arguments. Only
// types in this package can implement it (via the unexported method),
// preventing arbitrary values from being passed to Execute.
type Args interface {
	monitorArgs() // unexported method seals the interface to this package
}

// RawArgs lets the command facade pass an already-built argument map through
// to Execute without this package knowing every verb's argument shape.
type RawArgs map[string]any

func (RawArgs) monitorArgs() {}

// request represents a monitor command envelope.
type request struct {
	Execute   string `json:"execute"`
	Arguments Args   `json:"arguments,omitempty"`
	ID        string `json:"id,omitempty"`
}

// response represents a monitor command response or asynchronous event.
type response struct {
	Return    jsoniter.RawMessage `json:"return,omitempty"`
	Error     *Error              `json:"error,omitempty"`
	Event     string              `json:"event,omitempty"`
	Data      jsoniter.RawMessage `json:"data,omitempty"`
	Timestamp jsoniter.RawMessage `json:"timestamp,omitempty"`
	ID        string              `json:"id,omitempty"`
}

// Error represents a monitor protocol-level error, carrying the server's
// error class and description (spec §6: "{error: {class, desc}, id}").
type Error struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("monitor command failed [%s]: %s", e.Class, e.Desc)
}

// Event is a delivered asynchronous monitor event, e.g. JOB_STATUS_CHANGE,
// BLOCK_JOB_COMPLETED, BLOCK_JOB_CANCELLED, BLOCK_JOB_ERROR.
type Event struct {
	Name      string
	Data      jsoniter.RawMessage
	Timestamp jsoniter.RawMessage
}

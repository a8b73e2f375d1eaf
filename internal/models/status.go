package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionIdle:          {SessionActive, SessionEnded},
	SessionActive:        {SessionActive, SessionAwaitingInput, SessionIdle, SessionEnded, SessionTimedOut},
	SessionAwaitingInput: {SessionActive, SessionIdle, SessionEnded, SessionTimedOut},
	SessionEnded:         {SessionIdle},
	SessionTimedOut:      {SessionIdle, SessionEnded},
}

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionQueued:     {ExecutionRunning, ExecutionError},
	ExecutionRunning:    {ExecutionCancelling, ExecutionDone, ExecutionError, ExecutionTimedOut},
	ExecutionCancelling: {ExecutionDone, ExecutionError, ExecutionTimedOut},
}

// CanTransition reports whether a session may move from one status to another.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Live reports whether a process is expected to exist for this status.
func (s SessionStatus) Live() bool {
	return s == SessionActive || s == SessionAwaitingInput
}

// Terminal reports whether the session has no process and needs a cold resume to continue.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionTimedOut
}

// SessionSourcesFor lists every status that may transition into to.
func SessionSourcesFor(to SessionStatus) []SessionStatus {
	var from []SessionStatus
	for _, s := range []SessionStatus{SessionIdle, SessionActive, SessionAwaitingInput, SessionEnded, SessionTimedOut} {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}

func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	for _, next := range executionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s ExecutionStatus) Live() bool {
	return s == ExecutionRunning || s == ExecutionCancelling
}

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionDone || s == ExecutionError || s == ExecutionTimedOut
}

// ExecutionSourcesFor lists every status that may transition into to.
func ExecutionSourcesFor(to ExecutionStatus) []ExecutionStatus {
	var from []ExecutionStatus
	for _, s := range []ExecutionStatus{ExecutionQueued, ExecutionRunning, ExecutionCancelling} {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}

// StringList is a string slice stored as a JSON text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("string list: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// Contains reports whether name is in the list.
func (l StringList) Contains(name string) bool {
	for _, s := range l {
		if s == name {
			return true
		}
	}
	return false
}

// Package status decodes the detector server status word.
//
// The status word packs a 4-bit machine state in its lowest nibble and one 4-bit
// flag field per server task above it. Decoding is purely positional: the machine
// state and the task flags are independent of each other.
package status

import (
	"fmt"
	"strconv"
	"strings"
)

// Word is the raw 32-bit status word reported by the server's get_state command.
type Word uint32

// MachineState is the overall server state held in the low nibble of a Word.
type MachineState uint8

const (
	StateIdle MachineState = iota
	StateAcquiring
	StateReading
	StateCorrecting
	StateWriting
	StateAborting
	StateUnavailable
	StateError
	// StateBusy is the lowest value of the busy range; any state >= StateBusy is busy.
	StateBusy
)

// IsBusy reports whether the server is in the busy range and cannot take commands.
func (s MachineState) IsBusy() bool { return s >= StateBusy }

// String returns string representation of the machine state.
func (s MachineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateReading:
		return "reading"
	case StateCorrecting:
		return "correcting"
	case StateWriting:
		return "writing"
	case StateAborting:
		return "aborting"
	case StateUnavailable:
		return "unavailable"
	case StateError:
		return "error"
	default:
		return "busy"
	}
}

// Task identifies one of the server's pipeline tasks.
type Task uint8

const (
	TaskAcquire Task = iota
	TaskRead
	TaskCorrect
	TaskWrite
	TaskDezinger
)

// Tasks lists all tasks in field order.
var Tasks = [...]Task{TaskAcquire, TaskRead, TaskCorrect, TaskWrite, TaskDezinger}

// String returns string representation of the task.
func (t Task) String() string {
	switch t {
	case TaskAcquire:
		return "acquire"
	case TaskRead:
		return "read"
	case TaskCorrect:
		return "correct"
	case TaskWrite:
		return "write"
	case TaskDezinger:
		return "dezinger"
	default:
		return "task(" + strconv.Itoa(int(t)) + ")"
	}
}

// shift returns the bit offset of the task's flag field.
func (t Task) shift() uint { return 4 * (uint(t) + 1) }

// TaskFlags is the 4-bit flag field of one task.
type TaskFlags uint8

const (
	FlagQueued    TaskFlags = 0x1
	FlagExecuting TaskFlags = 0x2
	FlagError     TaskFlags = 0x4
	FlagReserved  TaskFlags = 0x8
)

func (f TaskFlags) Queued() bool    { return f&FlagQueued != 0 }
func (f TaskFlags) Executing() bool { return f&FlagExecuting != 0 }
func (f TaskFlags) Error() bool     { return f&FlagError != 0 }
func (f TaskFlags) Reserved() bool  { return f&FlagReserved != 0 }

// Active reports whether the task is queued or executing.
func (f TaskFlags) Active() bool { return f&(FlagQueued|FlagExecuting) != 0 }

// String returns the set flags joined by '|', or "none".
func (f TaskFlags) String() string {
	var parts []string
	if f.Queued() {
		parts = append(parts, "queued")
	}
	if f.Executing() {
		parts = append(parts, "executing")
	}
	if f.Error() {
		parts = append(parts, "error")
	}
	if f.Reserved() {
		parts = append(parts, "reserved")
	}
	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, "|")
}

// State returns the machine state encoded in the low nibble.
func (w Word) State() MachineState { return MachineState(w & 0xf) }

// IsBusy reports whether the machine state is in the busy range.
func (w Word) IsBusy() bool { return w.State().IsBusy() }

// Task returns the flag field of task t.
func (w Word) Task(t Task) TaskFlags { return TaskFlags((uint32(w) >> t.shift()) & 0xf) }

// TaskIdle reports whether task t is neither queued nor executing and the server is not busy.
func (w Word) TaskIdle(t Task) bool { return !w.Task(t).Active() && !w.IsBusy() }

// String returns a compact, human readable form of the word.
func (w Word) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "0x%08x state=%s", uint32(w), w.State())
	for _, t := range Tasks {
		if f := w.Task(t); f != 0 {
			fmt.Fprintf(&sb, " %s=%s", t, f)
		}
	}

	return sb.String()
}

// ParseWord parses a get_state reply. The numeric base is auto-detected from the
// prefix: "0x" for hexadecimal, a leading "0" for octal, decimal otherwise.
func ParseWord(s string) (Word, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadStatusWord, s)
	}
	if v < -(1<<31) || v > 1<<32-1 {
		return 0, fmt.Errorf("%w: %q out of range", ErrBadStatusWord, s)
	}

	return Word(uint32(v)), nil
}

// WithState returns w with its machine state replaced by s.
func (w Word) WithState(s MachineState) Word {
	return w&^0xf | Word(s&0xf)
}

// WithTask returns w with the flag field of task t replaced by f.
func (w Word) WithTask(t Task, f TaskFlags) Word {
	return w&^(0xf<<t.shift()) | Word(f&0xf)<<t.shift()
}

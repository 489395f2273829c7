package sequencer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-marccd/protocol"
	"github.com/arloliu/go-marccd/status"
)

// fakeServer emulates the server task pipeline. Tasks advance one stage
// (queued, executing, done) per get_state poll, except the acquire task which
// keeps executing until a readout is issued.
type fakeServer struct {
	mu        sync.Mutex
	stages    [5]int
	busyPolls int
	cmds      []string
	pendWrite bool
	width     int
	height    int
	stateErr  error
	sendErr   error
	polls     int
}

func newFakeServer() *fakeServer {
	return &fakeServer{width: 64, height: 32}
}

func (f *fakeServer) Send(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	f.cmds = append(f.cmds, cmd)

	name, args, _ := strings.Cut(cmd, ",")
	switch name {
	case protocol.CmdStart:
		f.stages[status.TaskAcquire] = 1
	case protocol.CmdAbort:
		f.stages = [5]int{}
	case "readout":
		f.stages[status.TaskAcquire] = 0
		f.stages[status.TaskRead] = 1
		f.pendWrite = strings.Contains(args, ",")
	case "writefile":
		f.stages[status.TaskWrite] = 1
	case "dezinger":
		f.stages[status.TaskDezinger] = 1
	}

	return nil
}

func (f *fakeServer) SendAndReceive(cmd string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd {
	case protocol.CmdGetState:
		if f.stateErr != nil {
			return "", f.stateErr
		}
		f.polls++
		w := f.word()
		f.advance()
		return fmt.Sprintf("0x%x", uint32(w)), nil
	case protocol.CmdGetSize:
		return fmt.Sprintf("%d,%d", f.width, f.height), nil
	}

	return "", protocol.ErrTimeout
}

func (f *fakeServer) word() status.Word {
	var w uint32
	if f.busyPolls > 0 {
		w = uint32(status.StateBusy)
	}
	for t, stage := range f.stages {
		var flags uint32
		switch stage {
		case 1:
			flags = uint32(status.FlagQueued)
		case 2:
			flags = uint32(status.FlagExecuting)
		}
		w |= flags << (4 * (t + 1))
	}

	return status.Word(w)
}

func (f *fakeServer) advance() {
	if f.busyPolls > 0 {
		f.busyPolls--
		return
	}
	for t := range f.stages {
		switch f.stages[t] {
		case 1:
			f.stages[t] = 2
		case 2:
			if status.Task(t) == status.TaskAcquire {
				continue
			}
			f.stages[t] = 0
			if status.Task(t) == status.TaskRead && f.pendWrite {
				f.pendWrite = false
				f.stages[status.TaskWrite] = 1
			}
		}
	}
}

// commands returns the sent commands, get_state polls excluded.
func (f *fakeServer) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func (f *fakeServer) stage(t status.Task) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stages[t]
}

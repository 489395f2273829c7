package status

// DetectorStatus is the coarse detector state published to clients.
//
// The numeric values follow the areaDetector convention, value 5 (aborting) is
// not produced by classification.
type DetectorStatus int

const (
	DetectorIdle    DetectorStatus = 0
	DetectorAcquire DetectorStatus = 1
	DetectorReadout DetectorStatus = 2
	DetectorCorrect DetectorStatus = 3
	DetectorSaving  DetectorStatus = 4
	DetectorError   DetectorStatus = 6
)

// IsIdle returns if the status is idle.
func (s DetectorStatus) IsIdle() bool { return s == DetectorIdle }

// IsError returns if the status is error.
func (s DetectorStatus) IsError() bool { return s == DetectorError }

// String returns string representation of the status.
func (s DetectorStatus) String() string {
	switch s {
	case DetectorIdle:
		return "Idle"
	case DetectorAcquire:
		return "Acquire"
	case DetectorReadout:
		return "Readout"
	case DetectorCorrect:
		return "Correct"
	case DetectorSaving:
		return "Saving"
	case DetectorError:
		return "Error"
	default:
		return "Unknown"
	}
}

// busyOrder maps the tasks inspected for activity to the status they produce,
// in priority order. The dezinger task never drives the coarse status.
var busyOrder = [...]struct {
	task   Task
	status DetectorStatus
}{
	{TaskAcquire, DetectorAcquire},
	{TaskRead, DetectorReadout},
	{TaskCorrect, DetectorCorrect},
	{TaskWrite, DetectorSaving},
}

// Classify derives the coarse DetectorStatus of w.
//
// An error flag on any task wins. Otherwise the first queued or executing task
// decides, in acquire, read, correct, write order. A zero word is idle and any
// other word is reported as an error.
func Classify(w Word) DetectorStatus {
	for _, t := range Tasks {
		if w.Task(t).Error() {
			return DetectorError
		}
	}

	for _, b := range busyOrder {
		if w.Task(b.task).Active() {
			return b.status
		}
	}

	if w == 0 {
		return DetectorIdle
	}

	return DetectorError
}

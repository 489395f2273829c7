package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Commands understood by the detector server in remote mode.
const (
	CmdStart    = "start"
	CmdAbort    = "abort"
	CmdGetState = "get_state"
	CmdGetSize  = "get_size"
)

// Shutter returns the command opening (true) or closing (false) the shutter.
func Shutter(open bool) string {
	return "shutter," + boolFlag(open)
}

// SetBin returns the command setting the binning factors.
func SetBin(x, y int) string {
	return fmt.Sprintf("set_bin,%d,%d", x, y)
}

// Readout returns the command reading the CCD into buffer. A non-empty file name
// makes the server write the corrected image to that file.
func Readout(buffer int, fileName string) string {
	if fileName == "" {
		return fmt.Sprintf("readout,%d", buffer)
	}

	return fmt.Sprintf("readout,%d,%s", buffer, fileName)
}

// WriteFile returns the command writing the current image to path, corrected
// or raw.
func WriteFile(path string, corrected bool) string {
	return fmt.Sprintf("writefile,%s,%s", path, boolFlag(corrected))
}

// Dezinger returns the dezinger command. Mode 0 combines the two frame buffers
// into the data buffer, mode 1 into the background buffer.
func Dezinger(mode int) string {
	return "dezinger," + strconv.Itoa(mode)
}

// ParseSize parses a get_size reply of the form "<width>,<height>".
func ParseSize(reply string) (width int, height int, err error) {
	w, h, ok := strings.Cut(strings.TrimSpace(reply), ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: size %q", ErrBadReply, reply)
	}

	width, errW := strconv.Atoi(strings.TrimSpace(w))
	height, errH := strconv.Atoi(strings.TrimSpace(h))
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("%w: size %q", ErrBadReply, reply)
	}

	return width, height, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

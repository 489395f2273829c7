package simserver

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/arloliu/go-marccd/status"
)

// The methods below are called with s.mu held.

func (s *Server) start() {
	s.flags[status.TaskAcquire] = status.FlagQueued
	s.after(s.cfg.QueueDelay, func() {
		if s.flags[status.TaskAcquire].Queued() {
			s.flags[status.TaskAcquire] = status.FlagExecuting
		}
	})
}

func (s *Server) abort() {
	s.gen++
	for t := range s.timers {
		t.Stop()
	}
	clear(s.timers)
	s.flags = [len(status.Tasks)]status.TaskFlags{}
}

func (s *Server) readout(args string) {
	bufArg, file, _ := strings.Cut(args, ",")
	buffer, err := strconv.Atoi(bufArg)
	if err != nil {
		s.logger.Warn("bad readout arguments", "args", args)
		return
	}

	s.flags[status.TaskAcquire] = 0
	s.flags[status.TaskRead] = status.FlagQueued
	if file != "" {
		s.flags[status.TaskCorrect] = status.FlagQueued
		s.flags[status.TaskWrite] = status.FlagQueued
	}

	s.after(s.cfg.QueueDelay, func() {
		s.flags[status.TaskRead] = status.FlagExecuting
		s.after(s.cfg.ReadoutTime, func() {
			s.flags[status.TaskRead] = 0
			s.frames++
			s.buffers[buffer] = s.frames
			if file == "" {
				return
			}

			frame := s.frames
			s.flags[status.TaskCorrect] = status.FlagExecuting
			s.after(s.cfg.CorrectTime, func() {
				s.flags[status.TaskCorrect] = 0
				s.runWrite(file, frame)
			})
		})
	})
}

func (s *Server) writeFile(args string) {
	i := strings.LastIndexByte(args, ',')
	if i <= 0 {
		s.logger.Warn("bad writefile arguments", "args", args)
		return
	}
	path := args[:i]

	s.flags[status.TaskWrite] = status.FlagQueued
	s.after(s.cfg.QueueDelay, func() {
		s.runWrite(path, s.buffers[0])
	})
}

func (s *Server) dezinger() {
	s.flags[status.TaskDezinger] = status.FlagQueued
	s.after(s.cfg.QueueDelay, func() {
		s.flags[status.TaskDezinger] = status.FlagExecuting
		s.after(s.cfg.DezingerTime, func() {
			s.flags[status.TaskDezinger] = 0
			s.frames++
			s.buffers[0] = s.frames
		})
	})
}

// runWrite writes the first half of the file at once and the rest when the
// write task ends.
func (s *Server) runWrite(path string, frame int) {
	s.flags[status.TaskWrite] = status.FlagExecuting

	width, height := s.imageSize()
	data, err := encodeFrame(width, height, frame)
	if err != nil {
		s.failWrite(path, err)
		return
	}
	if err := os.WriteFile(path, data[:len(data)/2], 0o644); err != nil {
		s.failWrite(path, err)
		return
	}

	s.after(s.cfg.WriteTime, func() {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			s.failWrite(path, err)
			return
		}
		s.flags[status.TaskWrite] = 0
		s.files = append(s.files, path)
		s.logger.Debug("image file written", "path", path, "frame", frame)
	})
}

func (s *Server) failWrite(path string, err error) {
	s.logger.Error("write image file failed", "path", path, "error", err)
	s.flags[status.TaskWrite] = 0
	s.errs[status.TaskWrite] = true
}

// encodeFrame renders frame number frame as an uncompressed 16-bit TIFF.
func encodeFrame(width, height, frame int) ([]byte, error) {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetGray16(x, y, color.Gray16{Y: PixelValue(x, y, frame)})
		}
	}

	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Uncompressed}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// PixelValue is the value of pixel (x, y) in the image of frame number frame.
func PixelValue(x, y, frame int) uint16 {
	return uint16(frame*16 + x + y)
}

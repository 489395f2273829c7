package detector

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-marccd/internal/simserver"
	"github.com/arloliu/go-marccd/logger"
	"github.com/arloliu/go-marccd/ndarray"
	"github.com/arloliu/go-marccd/param"
	"github.com/arloliu/go-marccd/protocol"
	"github.com/arloliu/go-marccd/sequencer"
	"github.com/arloliu/go-marccd/status"
)

const waitTimeout = 5 * time.Second

type captured struct {
	uniqueID  int
	width     int
	height    int
	pixel     uint16
	source    string
	timestamp time.Time
}

type testEnv struct {
	srv    *simserver.Server
	det    *Detector
	params *param.Registry
	dir    string

	mu     sync.Mutex
	images []captured
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	srv := simserver.New(simserver.Config{Width: 32, Height: 16})
	t.Cleanup(func() { _ = srv.Close() })

	env := &testEnv{srv: srv, params: param.NewRegistry(), dir: t.TempDir()}
	opts = append([]Option{WithPollInterval(time.Millisecond), WithMaxSize(32, 16)}, opts...)
	env.det = New(simserver.NewLocalClient(srv), env.params, opts...)
	env.det.AddArrayHandler(func(arr *ndarray.Array) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.images = append(env.images, captured{
			uniqueID:  arr.UniqueID,
			width:     arr.Width,
			height:    arr.Height,
			pixel:     arr.At(3, 2),
			source:    arr.Source,
			timestamp: arr.Timestamp,
		})
	})

	env.params.SetString(param.FilePath, env.dir)
	env.params.SetString(param.FileName, "test")
	env.params.SetFloat(param.AcquireTime, 0.01)
	env.params.SetFloat(param.TiffTimeout, 2)

	return env
}

func (e *testEnv) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.det.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return e.params.String(param.StatusMessage) == "Waiting for acquire command"
	}, waitTimeout, time.Millisecond)
}

func (e *testEnv) captured() []captured {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]captured(nil), e.images...)
}

// waitAcquireDone waits until the worker finished the acquisition, whatever
// its outcome.
func (e *testEnv) waitAcquireDone(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.det.mu.Lock()
		acquiring := e.det.acquiring
		e.det.mu.Unlock()
		st := status.DetectorStatus(e.params.Int(param.Status))

		return !acquiring && !e.params.Bool(param.Acquire) && (st.IsIdle() || st.IsError())
	}, waitTimeout, time.Millisecond)
}

func TestDetector_Defaults(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)

	require.Equal("MAR", env.params.String(param.Manufacturer))
	require.Equal("CCD", env.params.String(param.Model))
	require.Equal(32, env.params.Int(param.MaxSizeX))
	require.Equal(16, env.params.Int(param.SizeY))
	require.Equal(DataTypeUInt16, env.params.Int(param.DataType))
	require.Equal(int(TriggerInternal), env.params.Int(param.TriggerMode))
	require.Equal(DefaultFileTemplate, env.params.String(param.FileTemplate))
	require.Equal(int(status.DetectorIdle), env.params.Int(param.Status))

	// the initial status query is mirrored
	require.Equal(protocol.CmdGetState, env.params.String(param.StringToServer))
	require.Equal("0x00000000", env.params.String(param.StringFromServer))
}

func TestDetector_AcquireAutoSave(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	env.params.SetInt(param.AutoSave, 1)
	env.run(t)

	before := time.Now()
	require.NoError(env.det.WriteInt(context.Background(), param.Acquire, 1))
	require.Eventually(func() bool { return len(env.captured()) == 1 }, waitTimeout, time.Millisecond)
	env.waitAcquireDone(t)

	expected := filepath.Join(env.dir, "test_001.tif")
	img := env.captured()[0]
	require.Equal(1, img.uniqueID)
	require.Equal(32, img.width)
	require.Equal(16, img.height)
	require.Equal(simserver.PixelValue(3, 2, 1), img.pixel)
	require.Equal(expected, img.source)
	require.False(img.timestamp.Before(before))

	require.Equal(1, env.params.Int(param.ImageCounter))
	require.Equal(2, env.params.Int(param.FileNumber))
	require.Equal(expected, env.params.String(param.FullFileName))
	require.Equal("Acquisition complete", env.params.String(param.StatusMessage))
	require.Equal(uint64(1), env.det.Metrics().CompletedCount.Load())
	require.Equal(32*16*2, env.params.Int(param.ImageSize))

	cmds := env.srv.Commands()
	require.Contains(cmds, protocol.CmdStart)
	require.Contains(cmds, protocol.Readout(sequencer.BufferData, expected))

	// a second acquisition uses the next file number
	require.NoError(env.det.WriteInt(context.Background(), param.Acquire, 1))
	require.Eventually(func() bool { return len(env.captured()) == 2 }, waitTimeout, time.Millisecond)
	require.Equal(filepath.Join(env.dir, "test_002.tif"), env.captured()[1].source)
	require.Equal(2, env.captured()[1].uniqueID)
}

func TestDetector_AcquireWithoutAutoSave(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	env.run(t)

	require.NoError(env.det.WriteInt(context.Background(), param.Acquire, 1))
	env.waitAcquireDone(t)

	require.Eventually(func() bool {
		return strings.Contains(env.params.String(param.StatusMessage), "no file name")
	}, waitTimeout, time.Millisecond)
	require.Empty(env.captured())
	require.Equal(uint64(1), env.det.Metrics().FailedCount.Load())
	require.Contains(env.srv.Commands(), protocol.Readout(sequencer.BufferData, ""))
}

func TestDetector_Abort(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	env.params.SetFloat(param.AcquireTime, 30)
	env.params.SetInt(param.AutoSave, 1)
	env.run(t)

	ctx := context.Background()
	require.NoError(env.det.WriteInt(ctx, param.Acquire, 1))
	require.Eventually(func() bool {
		return env.params.String(param.StatusMessage) == "Exposing"
	}, waitTimeout, time.Millisecond)

	require.NoError(env.det.WriteInt(ctx, param.Acquire, 0))
	require.Eventually(func() bool {
		return env.params.String(param.StatusMessage) == "Acquisition aborted"
	}, waitTimeout, time.Millisecond)
	env.waitAcquireDone(t)

	require.Contains(env.srv.Commands(), protocol.CmdAbort)
	require.Empty(env.captured())
	require.Equal(0, env.params.Int(param.ImageCounter))
	require.Equal(uint64(1), env.det.Metrics().AbortedCount.Load())
	require.Equal(uint64(0), env.det.Metrics().FailedCount.Load())

	// the abort does not leak into the next acquisition
	env.params.SetFloat(param.AcquireTime, 0.01)
	require.NoError(env.det.WriteInt(ctx, param.Acquire, 1))
	require.Eventually(func() bool { return len(env.captured()) == 1 }, waitTimeout, time.Millisecond)
}

func TestDetector_AbortClosesShutter(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	env.params.SetFloat(param.AcquireTime, 30)
	env.params.SetInt(param.ShutterMode, int(ShutterDetector))
	env.run(t)

	ctx := context.Background()
	require.NoError(env.det.WriteInt(ctx, param.Acquire, 1))
	require.Eventually(env.srv.ShutterOpen, waitTimeout, time.Millisecond)

	require.NoError(env.det.WriteInt(ctx, param.Acquire, 0))
	require.Eventually(func() bool {
		return env.params.String(param.StatusMessage) == "Acquisition aborted"
	}, waitTimeout, time.Millisecond)
	require.False(env.srv.ShutterOpen())
}

func TestDetector_AcquireIgnoredWhenBusy(t *testing.T) {
	require := require.New(t)
	l := logger.NewMockLogger()
	l.On("Warn", "acquire request ignored, detector not idle", mock.Anything).Return().Once()
	l.AllowAll()
	env := newTestEnv(t, WithLogger(l))

	env.params.SetInt(param.Status, int(status.DetectorReadout))
	require.NoError(env.det.WriteInt(context.Background(), param.Acquire, 1))

	select {
	case <-env.det.start.C():
		t.Fatal("start signal posted while not idle")
	default:
	}
	require.True(env.params.Bool(param.Acquire))
	require.Equal([]string{"acquire request ignored, detector not idle"}, l.Messages("Warn"))
	l.AssertExpectations(t)
}

func TestDetector_AbortDuringFileRead(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	// no auto-save: the server never writes this file
	env.params.SetString(param.FullFileName, filepath.Join(env.dir, "never.tif"))
	env.params.SetFloat(param.TiffTimeout, 60)
	env.run(t)

	ctx := context.Background()
	require.NoError(env.det.WriteInt(ctx, param.Acquire, 1))
	require.Eventually(func() bool {
		return strings.HasPrefix(env.params.String(param.StatusMessage), "Reading TIFF file")
	}, waitTimeout, time.Millisecond)

	start := time.Now()
	require.NoError(env.det.WriteInt(ctx, param.Acquire, 0))
	require.Eventually(func() bool {
		return env.params.String(param.StatusMessage) == "Acquisition aborted"
	}, waitTimeout, time.Millisecond)
	env.waitAcquireDone(t)

	require.Less(time.Since(start), time.Second)
	require.Equal(uint64(1), env.det.Metrics().AbortedCount.Load())
	require.Zero(env.det.Metrics().FailedCount.Load())
	require.Empty(env.captured())
	require.Equal(int(status.DetectorIdle), env.params.Int(param.Status))
}

func TestDetector_AcquireRefusedWhileRunning(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)

	// STATUS already reads Idle but the worker has not cleared ACQUIRE yet
	env.det.mu.Lock()
	env.det.acquiring = true
	env.det.mu.Unlock()
	env.params.SetInt(param.Status, int(status.DetectorIdle))

	require.NoError(env.det.WriteInt(context.Background(), param.Acquire, 1))
	select {
	case <-env.det.start.C():
		t.Fatal("start signal posted while acquiring")
	default:
	}

	env.det.mu.Lock()
	env.det.acquiring = false
	env.det.mu.Unlock()

	// a failed acquisition does not block the next one
	env.params.SetInt(param.Status, int(status.DetectorError))
	require.NoError(env.det.WriteInt(context.Background(), param.Acquire, 1))
	select {
	case <-env.det.start.C():
	default:
		t.Fatal("start signal not posted after a failure")
	}
}

func TestDetector_BackToBackAcquisitions(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	env.params.SetInt(param.AutoSave, 1)
	env.params.SetFloat(param.AcquireTime, 0.001)
	env.run(t)

	const frames = 10
	ctx := context.Background()
	for range frames {
		require.NoError(env.det.WriteInt(ctx, param.Acquire, 1))
		waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
		err := env.params.WaitFor(waitCtx, param.Acquire, func(v any) bool { return v == 0 })
		cancel()
		require.NoError(err)
	}

	require.Len(env.captured(), frames)
	require.Equal(uint64(frames), env.det.Metrics().CompletedCount.Load())
}

func TestDetector_ManualSaveAbort(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	env.srv.SetBusy(true)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- env.det.WriteInt(ctx, param.WriteFile, 1) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(env.det.WriteInt(ctx, param.Acquire, 0))

	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(waitTimeout):
		t.Fatal("manual save still blocked after ACQUIRE=0")
	}
	require.Equal("File save aborted", env.params.String(param.StatusMessage))
	require.Empty(env.srv.Files())
	for _, cmd := range env.srv.Commands() {
		require.False(strings.HasPrefix(cmd, "writefile"), "unexpected %q", cmd)
	}

	// a later save is not cancelled by the old abort
	env.srv.SetBusy(false)
	require.NoError(env.det.WriteInt(ctx, param.WriteFile, 1))
	require.Len(env.srv.Files(), 1)
}

func TestDetector_UsesClientTimeout(t *testing.T) {
	require := require.New(t)

	cfg, err := protocol.NewConnectionConfig("127.0.0.1:2222", protocol.WithTimeout(5*time.Second))
	require.NoError(err)

	clientSide, serverSide := net.Pipe()
	client := protocol.NewClient(clientSide, cfg)
	t.Cleanup(func() {
		_ = client.Close()
		_ = serverSide.Close()
	})

	// replies arrive later than protocol.DefaultTimeout
	const delay = protocol.DefaultTimeout + 200*time.Millisecond
	go func() {
		scanner := bufio.NewScanner(serverSide)
		for scanner.Scan() {
			var reply string
			switch scanner.Text() {
			case protocol.CmdGetState:
				reply = "0"
			case protocol.CmdGetSize:
				reply = "64,32"
			default:
				continue
			}
			time.Sleep(delay)
			if _, err := serverSide.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}()

	params := param.NewRegistry()
	det := New(client, params, WithPollInterval(time.Millisecond))
	require.Equal(int(status.DetectorIdle), params.Int(param.Status))
	require.Zero(client.Metrics().TimeoutCount.Load())

	width, height, err := det.seq.ImageSize(context.Background())
	require.NoError(err)
	require.Equal(64, width)
	require.Equal(32, height)
}

func TestDetector_CommunicationError(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)

	var mu sync.Mutex
	var seen []int
	env.params.AddHandler(func(name string, _, cur any) {
		if name == param.Status {
			mu.Lock()
			seen = append(seen, cur.(int))
			mu.Unlock()
		}
	})
	env.run(t)

	env.srv.SetMuted(true)
	require.NoError(env.det.WriteInt(context.Background(), param.Acquire, 1))
	require.Eventually(func() bool {
		return strings.HasPrefix(env.params.String(param.StatusMessage), "Acquisition failed")
	}, waitTimeout, time.Millisecond)
	env.waitAcquireDone(t)

	mu.Lock()
	require.Contains(seen, int(status.DetectorError))
	mu.Unlock()
	require.Equal(uint64(1), env.det.Metrics().FailedCount.Load())
	require.Empty(env.captured())

	// the error status stays readable until the next start
	require.Never(func() bool {
		return env.params.Int(param.Status) != int(status.DetectorError)
	}, 50*time.Millisecond, time.Millisecond)
	require.True(strings.HasPrefix(env.params.String(param.StatusMessage), "Acquisition failed"))

	// the loop keeps serving after a failure
	env.srv.SetMuted(false)
	env.params.SetInt(param.AutoSave, 1)
	require.NoError(env.det.WriteInt(context.Background(), param.Acquire, 1))
	require.Eventually(func() bool { return len(env.captured()) == 1 }, waitTimeout, time.Millisecond)
	env.waitAcquireDone(t)
	require.Equal(int(status.DetectorIdle), env.params.Int(param.Status))
}

func TestDetector_Background(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	env.params.SetInt(param.FrameType, int(sequencer.FrameBackground))
	env.run(t)

	require.NoError(env.det.WriteInt(context.Background(), param.Acquire, 1))
	require.Eventually(func() bool {
		return env.det.Metrics().CompletedCount.Load() == 1
	}, waitTimeout, time.Millisecond)
	env.waitAcquireDone(t)

	require.Empty(env.captured())
	require.Contains(env.srv.Commands(), protocol.Dezinger(sequencer.DezingerToBackground))
	require.Equal(0, env.params.Int(param.ImageCounter))
}

func TestDetector_DoubleCorrelation(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	env.params.SetInt(param.FrameType, int(sequencer.FrameDoubleCorrelation))
	env.params.SetInt(param.AutoSave, 1)
	env.run(t)

	require.NoError(env.det.WriteInt(context.Background(), param.Acquire, 1))
	require.Eventually(func() bool { return len(env.captured()) == 1 }, waitTimeout, time.Millisecond)

	expected := filepath.Join(env.dir, "test_001.tif")
	require.Equal(expected, env.captured()[0].source)
	require.Contains(env.srv.Commands(), protocol.WriteFile(expected, true))
	// two readouts and the dezinger produce frame 3
	require.Equal(simserver.PixelValue(3, 2, 3), env.captured()[0].pixel)
}

func TestDetector_Bin(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(env.det.WriteInt(ctx, param.BinX, 2))
	require.NoError(env.det.WriteInt(ctx, param.BinY, 4))

	cmds := env.srv.Commands()
	require.Contains(cmds, "set_bin,2,1")
	require.Contains(cmds, "set_bin,2,4")
	require.Equal(2, env.params.Int(param.BinX))
	require.Equal(4, env.params.Int(param.BinY))
}

func TestDetector_WriteFile(t *testing.T) {
	tests := []struct {
		name      string
		frameType sequencer.FrameType
		corrected bool
	}{
		{"normal", sequencer.FrameNormal, true},
		{"raw", sequencer.FrameRaw, false},
		{"double correlation", sequencer.FrameDoubleCorrelation, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			env := newTestEnv(t)
			env.params.SetInt(param.FrameType, int(tt.frameType))

			require.NoError(env.det.WriteInt(context.Background(), param.WriteFile, 1))

			expected := filepath.Join(env.dir, "test_001.tif")
			require.Contains(env.srv.Commands(), protocol.WriteFile(expected, tt.corrected))
			require.Equal([]string{expected}, env.srv.Files())
			require.Equal(expected, env.params.String(param.FullFileName))
		})
	}
}

func TestDetector_PassThrough(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()
	n := len(env.srv.Commands())

	require.NoError(env.det.WriteInt(ctx, param.NumImages, 5))
	require.NoError(env.det.WriteFloat(ctx, param.AcquireTime, 2.5))
	require.NoError(env.det.WriteString(ctx, param.FileName, "sample"))

	require.Equal(5, env.params.Int(param.NumImages))
	require.InDelta(2.5, env.params.Float(param.AcquireTime), 1e-9)
	require.Equal("sample", env.params.String(param.FileName))
	require.Len(env.srv.Commands(), n)
}

func TestDetector_RunTwice(t *testing.T) {
	env := newTestEnv(t)
	env.run(t)

	require.ErrorIs(t, env.det.Run(context.Background()), ErrAlreadyRunning)
}

func TestDetector_Report(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)

	var buf bytes.Buffer
	env.det.Report(&buf, 0)
	require.Equal("MAR-CCD detector marccd\n", buf.String())

	buf.Reset()
	env.det.Report(&buf, 2)
	out := buf.String()
	require.Contains(out, "NX, NY:            32  16")
	require.Contains(out, "Data type:         3")
	require.Contains(out, "completed=0 aborted=0 failed=0")
	require.NotContains(out, "Protocol:")
}

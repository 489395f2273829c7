package sequencer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arloliu/go-marccd/param"
	"github.com/arloliu/go-marccd/protocol"
	"github.com/arloliu/go-marccd/status"
	"github.com/stretchr/testify/require"
)

func newTestSequencer(f *fakeServer) (*Sequencer, *param.Registry) {
	params := param.NewRegistry()
	dec := status.NewDecoder(f, params)

	return New(f, dec, params, WithPollInterval(time.Millisecond)), params
}

func TestRun_CommandSequences(t *testing.T) {
	tests := []struct {
		name string
		req  FrameRequest
		path string
		want []string
	}{
		{
			name: "normal",
			req:  FrameRequest{FrameType: FrameNormal, ExposureTime: 5 * time.Millisecond},
			path: "/data/img_001.tif",
			want: []string{"start", "readout,0,/data/img_001.tif"},
		},
		{
			name: "normal with shutter",
			req: FrameRequest{
				FrameType:    FrameNormal,
				ExposureTime: 5 * time.Millisecond,
				Shutter:      Shutter{Enabled: true, OpenDelay: 2 * time.Millisecond, CloseDelay: time.Millisecond},
			},
			path: "/data/img_002.tif",
			want: []string{"start", "shutter,1", "shutter,0", "readout,0,/data/img_002.tif"},
		},
		{
			name: "normal without file",
			req:  FrameRequest{FrameType: FrameNormal, ExposureTime: time.Millisecond},
			want: []string{"start", "readout,0"},
		},
		{
			name: "raw",
			req:  FrameRequest{FrameType: FrameRaw, ExposureTime: 5 * time.Millisecond},
			path: "/data/raw.tif",
			want: []string{"start", "readout,3,/data/raw.tif"},
		},
		{
			name: "background",
			req:  FrameRequest{FrameType: FrameBackground},
			path: "/data/bg.tif",
			want: []string{"start", "readout,1", "start", "readout,2", "dezinger,1"},
		},
		{
			name: "double correlation with auto save",
			req:  FrameRequest{FrameType: FrameDoubleCorrelation, ExposureTime: 10 * time.Millisecond, AutoSave: true},
			path: "/data/dc.tif",
			want: []string{"start", "readout,2", "start", "readout,0", "dezinger,0", "writefile,/data/dc.tif,1"},
		},
		{
			name: "double correlation without auto save",
			req:  FrameRequest{FrameType: FrameDoubleCorrelation, ExposureTime: 10 * time.Millisecond},
			want: []string{"start", "readout,2", "start", "readout,0", "dezinger,0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			f := newFakeServer()
			seq, params := newTestSequencer(f)

			require.NoError(seq.Run(context.Background(), tt.req, tt.path))
			require.Equal(tt.want, f.commands())
			require.Zero(params.Float(param.TimeRemaining))
			for _, task := range status.Tasks {
				if task != status.TaskAcquire {
					require.Zero(f.stage(task), "task %s still active", task)
				}
			}
		})
	}
}

func TestRun_Exposure(t *testing.T) {
	require := require.New(t)

	f := newFakeServer()
	seq, _ := newTestSequencer(f)

	begin := time.Now()
	err := seq.Run(context.Background(), FrameRequest{FrameType: FrameNormal, ExposureTime: 60 * time.Millisecond}, "")
	require.NoError(err)
	require.GreaterOrEqual(time.Since(begin), 60*time.Millisecond)
}

func TestRun_Overlap(t *testing.T) {
	require := require.New(t)

	f := newFakeServer()
	seq, _ := newTestSequencer(f)

	req := FrameRequest{FrameType: FrameNormal, ExposureTime: time.Millisecond, Overlap: true}
	require.NoError(seq.Run(context.Background(), req, "/data/img.tif"))

	// the write of the file is still pending on the server
	require.NotZero(f.stage(status.TaskWrite))
}

func TestRun_WaitsWhileBusy(t *testing.T) {
	require := require.New(t)

	f := newFakeServer()
	f.busyPolls = 5
	seq, _ := newTestSequencer(f)

	require.NoError(seq.Acquire(context.Background(), time.Millisecond, Shutter{}))
	require.Equal([]string{"start"}, f.commands())
	// five busy polls plus the idle check, queued and executing polls
	require.GreaterOrEqual(f.polls, 8)
}

func TestRun_Abort(t *testing.T) {
	t.Run("during exposure", func(t *testing.T) {
		require := require.New(t)

		f := newFakeServer()
		seq, _ := newTestSequencer(f)

		ctx, cancel := context.WithCancelCause(context.Background())
		time.AfterFunc(30*time.Millisecond, func() { cancel(ErrAborted) })

		req := FrameRequest{
			FrameType:    FrameNormal,
			ExposureTime: 10 * time.Second,
			Shutter:      Shutter{Enabled: true, CloseDelay: time.Second},
		}
		begin := time.Now()
		err := seq.Run(ctx, req, "/data/img.tif")
		require.ErrorIs(err, ErrAborted)
		require.Less(time.Since(begin), time.Second)
		// the shutter is closed and no readout is issued
		require.Equal([]string{"start", "shutter,1", "shutter,0"}, f.commands())
	})

	t.Run("while waiting for a task", func(t *testing.T) {
		require := require.New(t)

		f := newFakeServer()
		f.busyPolls = 1 << 20
		seq, _ := newTestSequencer(f)

		ctx, cancel := context.WithCancelCause(context.Background())
		time.AfterFunc(20*time.Millisecond, func() { cancel(ErrAborted) })

		err := seq.Readout(ctx, BufferData, "", true)
		require.ErrorIs(err, ErrAborted)
		require.Empty(f.commands())
	})

	t.Run("already aborted", func(t *testing.T) {
		f := newFakeServer()
		seq, _ := newTestSequencer(f)

		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(ErrAborted)

		require.ErrorIs(t, seq.Dezinger(ctx, DezingerToData), ErrAborted)
		_, _, err := seq.ImageSize(ctx)
		require.ErrorIs(t, err, ErrAborted)
		require.Empty(t, f.commands())
	})
}

func TestRun_CommunicationError(t *testing.T) {
	t.Run("status query", func(t *testing.T) {
		require := require.New(t)

		f := newFakeServer()
		f.stateErr = protocol.ErrTimeout
		seq, params := newTestSequencer(f)

		err := seq.Run(context.Background(), FrameRequest{FrameType: FrameNormal, ExposureTime: time.Millisecond}, "")
		require.ErrorIs(err, protocol.ErrTimeout)
		require.ErrorIs(err, status.ErrQueryFailed)
		require.Equal(int(status.DetectorError), params.Int(param.Status))
		require.Empty(f.commands())
	})

	t.Run("send", func(t *testing.T) {
		f := newFakeServer()
		f.sendErr = protocol.ErrSend
		seq, _ := newTestSequencer(f)

		err := seq.SaveFile(context.Background(), "/data/x.tif", true, true)
		require.ErrorIs(t, err, protocol.ErrSend)
	})
}

func TestSaveFile(t *testing.T) {
	require := require.New(t)

	f := newFakeServer()
	seq, params := newTestSequencer(f)

	require.NoError(seq.SaveFile(context.Background(), "/data/raw_001.tif", false, false))
	require.Equal([]string{"writefile,/data/raw_001.tif,0"}, f.commands())
	require.Equal("Saving /data/raw_001.tif", params.String(param.StatusMessage))
	require.NotZero(f.stage(status.TaskWrite))

	require.NoError(seq.SaveFile(context.Background(), "/data/img_002.tif", true, true))
	require.Zero(f.stage(status.TaskWrite))
}

func TestImageSize(t *testing.T) {
	require := require.New(t)

	f := newFakeServer()
	f.width, f.height = 2048, 1024
	seq, params := newTestSequencer(f)

	w, h, err := seq.ImageSize(context.Background())
	require.NoError(err)
	require.Equal(2048, w)
	require.Equal(1024, h)
	require.Equal(2048, params.Int(param.ImageSizeX))
	require.Equal(1024, params.Int(param.ImageSizeY))
	require.Equal(2048*1024*2, params.Int(param.ImageSize))
}

func TestFrameRequest_Validate(t *testing.T) {
	require := require.New(t)

	require.NoError(FrameRequest{FrameType: FrameBackground}.Validate())
	require.ErrorIs(FrameRequest{FrameType: FrameNormal}.Validate(), ErrInvalidExposure)
	require.ErrorIs(FrameRequest{FrameType: FrameType(7), ExposureTime: time.Second}.Validate(), ErrInvalidFrameType)
	require.ErrorIs(FrameRequest{
		FrameType:    FrameRaw,
		ExposureTime: time.Second,
		Shutter:      Shutter{OpenDelay: -time.Second},
	}.Validate(), ErrInvalidExposure)

	f := newFakeServer()
	seq, _ := newTestSequencer(f)
	err := seq.Run(context.Background(), FrameRequest{FrameType: FrameType(-1)}, "")
	require.True(errors.Is(err, ErrInvalidFrameType))
	require.Empty(f.commands())

	require.True(FrameNormal.Corrected())
	require.False(FrameRaw.Corrected())
	require.Equal("double-correlation", FrameDoubleCorrelation.String())
}

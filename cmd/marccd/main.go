// Command marccd controls a MAR CCD detector server.
//
// It loads a YAML configuration, connects to the server (optionally starting
// an in-process emulation), runs the acquisition worker and reads console
// commands from stdin. Type "help" for the command list.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arloliu/go-marccd/detector"
	"github.com/arloliu/go-marccd/internal/config"
	"github.com/arloliu/go-marccd/internal/simserver"
	"github.com/arloliu/go-marccd/journal"
	"github.com/arloliu/go-marccd/logger"
	"github.com/arloliu/go-marccd/ndarray"
	"github.com/arloliu/go-marccd/param"
	"github.com/arloliu/go-marccd/protocol"
)

var log logger.Logger

func main() {
	cfgPath := flag.String("config", "marccd.yaml", "configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config load failed", "error", err)
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal("config validation failed", "error", err)
	}
	config.Normalize(cfg)

	level, _ := logger.ParseLevel(cfg.Log.Level)
	log = logger.NewSlog(level, cfg.Log.AddSource)
	logger.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Error("marccd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Simulator.Enabled {
		sim := simserver.New(simserver.Config{
			Width:  cfg.Simulator.Width,
			Height: cfg.Simulator.Height,
			Logger: log,
		})
		defer sim.Close()

		addr, err := sim.Listen(cfg.Server.Address)
		if err != nil {
			return err
		}
		log.Info("simulator listening", "address", addr)
	}

	connOpts := []protocol.ConnOption{
		protocol.WithTimeout(time.Duration(cfg.Server.TimeoutMs) * time.Millisecond),
		protocol.WithConnectTimeout(time.Duration(cfg.Server.ConnectTimeoutMs) * time.Millisecond),
		protocol.WithLogger(log),
	}
	if cfg.Server.Serial != nil {
		connOpts = append(connOpts, protocol.WithSerial(*cfg.Server.Serial))
	}

	connCfg, err := protocol.NewConnectionConfig(cfg.Server.Address, connOpts...)
	if err != nil {
		return err
	}
	client, err := protocol.Dial(ctx, connCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	d := cfg.Detector
	params := param.NewRegistry()
	params.SetString(param.FilePath, d.FilePath)
	params.SetString(param.FileName, d.FileName)
	params.SetString(param.FileTemplate, d.FileTemplate)
	params.SetFloat(param.TiffTimeout, d.TiffTimeoutSec)

	det := detector.New(client, params,
		detector.WithLogger(log),
		detector.WithPortName(d.PortName),
		detector.WithMaxSize(d.MaxSizeX, d.MaxSizeY),
		detector.WithPollInterval(time.Duration(d.PollIntervalMs)*time.Millisecond),
		detector.WithPool(ndarray.NewPool(d.MaxBuffers, int64(d.MaxMemoryMB)<<20)),
	)

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(cfg.Journal.Path, journal.WithLogger(log))
		if err != nil {
			return err
		}
		defer jrnl.Close()

		recorder := jrnl.NewRecorder(d.MaxBuffers / 2)
		defer recorder.Close()
		det.AddArrayHandler(recorder.HandleArray)
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() { workerDone <- det.Run(workerCtx) }()

	console := &console{det: det, journal: jrnl, out: os.Stdout}
	consoleDone := make(chan error, 1)
	go func() { consoleDone <- console.run(ctx, os.Stdin) }()

	select {
	case <-ctx.Done():
		log.Info("exit signal received")
	case err := <-consoleDone:
		if err != nil {
			log.Error("console failed", "error", err)
		}
	}

	if det.Params().Bool(param.Acquire) {
		_ = det.WriteInt(context.Background(), param.Acquire, 0)
	}
	stopWorker()
	<-workerDone

	return nil
}

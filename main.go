package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/mode"
	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/pipeline"
	"github.com/khaledhikmat/smartwaste-go/service/config"
	"github.com/khaledhikmat/smartwaste-go/service/data"
	"github.com/khaledhikmat/smartwaste-go/service/inference"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
	"github.com/khaledhikmat/smartwaste-go/service/publisher"
	"github.com/khaledhikmat/smartwaste-go/service/storage"
	"github.com/khaledhikmat/smartwaste-go/service/vision/opencv"
	"github.com/khaledhikmat/smartwaste-go/service/webhook"
)

const (
	// WARNING: this has to be bigger that the mode processor shutdown time
	waitOnShutdown = 8 * time.Second

	flagConfig = "config"
	flagSource = "source"

	// sourceRandom runs the live pipeline on synthetic frames
	sourceRandom = "random"
)

func main() {
	// Load env vars if we are in DEV mode
	if os.Getenv("RUN_TIME_ENV") == "dev" || os.Getenv("RUN_TIME_ENV") == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			lgr.Logger.Error("error loading .env file", slog.Any("error", xerrors.New(err.Error())))
		}
	}
	lgr.Configure()

	app := &cli.App{
		Name:  "smartwaste",
		Usage: "detect waste categories in camera frames with a remote inference service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{"SMARTWASTE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    flagSource,
				Aliases: []string{"s"},
				Usage:   "camera device, stream URL, video file, image folder or \"random\" (live); image or folder (detect)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "live",
				Usage: "run the inference pipeline against every configured camera",
				Action: func(c *cli.Context) error {
					return runMode(c, mode.Live)
				},
			},
			{
				Name:  "detect",
				Usage: "detect objects in a single image or every image of a folder",
				Action: func(c *cli.Context) error {
					return runMode(c, mode.Detect)
				},
			},
		},
		Action: func(c *cli.Context) error {
			return runMode(c, mode.Live)
		},
	}

	if err := app.Run(os.Args); err != nil {
		lgr.Logger.Error("smartwaste exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func runMode(c *cli.Context, modeProc mode.Processor) error {
	canxCtx, canxFn := context.WithCancel(c.Context)
	defer canxFn()

	// Hook up a signal handler to cancel the context
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			lgr.Logger.Info(
				"received kill signal",
				slog.Any("signal", sig),
			)
			canxFn()
		case <-canxCtx.Done():
		}
	}()

	svcs, closeFn, err := newServices(c)
	if err != nil {
		return err
	}
	defer closeFn()

	// Buffered so a mode processor outliving the shutdown wait never blocks
	modeProcResult := make(chan error, 1)

	// Start the mode processor
	go func() {
		modeProcResult <- modeProc(canxCtx, svcs)
	}()

	// Wait for cancellation or the mode proc
	select {
	case <-canxCtx.Done():
		lgr.Logger.Info(
			"smartwaste context cancelled",
		)

	case err := <-modeProcResult:
		return err
	}

	// The mode processor may need to report errors and stats as it is exiting
	lgr.Logger.Info(
		"smartwaste is waiting for the mode processor to exit",
	)

	timer := time.NewTimer(waitOnShutdown)
	defer timer.Stop()

	select {
	case <-timer.C:
		lgr.Logger.Info(
			"smartwaste shutdown waiting period expired. Exiting now",
			slog.Duration("period", waitOnShutdown),
		)
		return nil

	case err := <-modeProcResult:
		return err
	}
}

// newServices creates the services for the mode processors. The returned
// function releases the shared ones.
func newServices(c *cli.Context) (pipeline.ServicesFactory, func(), error) {
	cfgSvc, err := config.NewFromFile(c.String(flagConfig))
	if err != nil {
		return pipeline.ServicesFactory{}, nil, err
	}
	if source := c.String(flagSource); source != "" {
		cfgSvc = sourceConfig{IService: cfgSvc, source: source}
	}

	// Inference service
	var inferenceSvc inference.IService
	if cfgSvc.GetInferenceParameters().APIKey != "" {
		inferenceSvc = inference.NewRoboflow(cfgSvc, &http.Client{})
	} else {
		lgr.Logger.Warn("ROBOFLOW_API_KEY is not set, using the fake inference service")
		inferenceSvc = inference.NewFake(300*time.Millisecond, nil)
	}

	svcs := pipeline.ServicesFactory{
		CfgSvc:       cfgSvc,
		DataSvc:      data.NewFilesDB(cfgSvc),
		InferenceSvc: inferenceSvc,
		StorageSvc:   storage.NewLocal(cfgSvc),
		VisionSvc:    opencv.New(),
		Clock:        clock.New(),
	}

	params := cfgSvc.GetPresenterParameters()
	if params.WebhookURL != "" {
		svcs.WebhookSvc = webhook.NewHTTP(cfgSvc, &http.Client{})
	}

	closeFn := func() {}
	if params.MQTTBroker != "" {
		publisherSvc, err := publisher.NewMQTT(cfgSvc)
		if err != nil {
			// Results are still logged without the broker
			lgr.Logger.Error(
				"mqtt publisher unavailable",
				slog.String("broker", params.MQTTBroker),
				slog.Any("error", err),
			)
		} else {
			svcs.PublisherSvc = publisherSvc
			closeFn = func() {
				_ = publisherSvc.Close()
			}
		}
	}

	return svcs, closeFn, nil
}

// sourceConfig points both modes at the --source flag.
type sourceConfig struct {
	config.IService
	source string
}

func (c sourceConfig) GetInputFolder() string {
	return c.source
}

// GetCameras replaces the configured cameras with one camera reading from
// source, keeping the first configured camera's name and rate.
func (c sourceConfig) GetCameras() []model.Camera {
	camera := model.Camera{ID: "source", Name: "source"}
	if cameras := c.IService.GetCameras(); len(cameras) > 0 {
		camera = cameras[0]
	}

	camera.URL = c.source
	switch {
	case c.source == sourceRandom:
		camera.FramerType = pipeline.FramerTypeRandom
	case isDir(c.source):
		camera.FramerType = pipeline.FramerTypeFolder
	default:
		camera.FramerType = pipeline.FramerTypeCapture
	}

	return []model.Camera{camera}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

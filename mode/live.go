package mode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/pipeline"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
)

// Live runs one agent per configured camera until the context is cancelled,
// persisting the stats and errors the agents report.
func Live(canxCtx context.Context, svcs pipeline.ServicesFactory) error {
	cameras := svcs.CfgSvc.GetCameras()
	if len(cameras) == 0 {
		lgr.Logger.Warn("no cameras configured")
		return nil
	}

	// Channels stay open: an agent that outlives the shutdown period may still send
	errorStream := make(chan interface{})
	statsStream := make(chan interface{})

	var wg sync.WaitGroup
	for _, camera := range cameras {
		wg.Add(1)
		go func(camera model.Camera) {
			defer wg.Done()

			err := pipeline.Agent(canxCtx, svcs, errorStream, statsStream, camera)
			if err != nil {
				errorStream <- model.GenError("live",
					err,
					map[string]interface{}{"camera": camera.Name},
					"agent for camera %s exited with error",
					camera.Name)
			}
		}(camera)
	}

	agentsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(agentsDone)
	}()

	// Wait for cancellation, stats or errors
	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"live mode context cancelled",
			)
			goto resume

		case <-agentsDone:
			lgr.Logger.Info(
				"all agents exited",
			)
			return nil

		case s := <-statsStream:
			procStats(svcs.DataSvc, s)

		case e := <-errorStream:
			procError(svcs.DataSvc, e)
		}
	}

	// Agents report their final stats while they shut down
resume:
	lgr.Logger.Info(
		"live mode is waiting for all agents to exit",
	)

	period := time.Duration(svcs.CfgSvc.GetModeMaxShutdownTime()) * time.Second
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			lgr.Logger.Info(
				"live mode shutdown waiting period expired. Exiting now",
				slog.Duration("period", period),
			)
			return nil

		case <-agentsDone:
			lgr.Logger.Info(
				"all agents exited",
			)
			return nil

		case s := <-statsStream:
			procStats(svcs.DataSvc, s)

		case e := <-errorStream:
			procError(svcs.DataSvc, e)
		}
	}
}

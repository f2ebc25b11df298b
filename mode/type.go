package mode

import (
	"context"
	"log/slog"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/pipeline"
	"github.com/khaledhikmat/smartwaste-go/service/data"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
)

type Processor func(canxCtx context.Context, svcs pipeline.ServicesFactory) error

func procStats(datasvc data.IService, stats interface{}) {
	var err error
	switch stats := stats.(type) {
	case model.AgentStats:
		err = datasvc.NewAgentStats(stats)
	case model.FramerStats:
		err = datasvc.NewFramerStats(stats)
	case model.SamplerStats:
		err = datasvc.NewSamplerStats(stats)
	case model.DispatcherStats:
		err = datasvc.NewDispatcherStats(stats)
	case model.CorrelatorStats:
		err = datasvc.NewCorrelatorStats(stats)
	case model.PresenterStats:
		err = datasvc.NewPresenterStats(stats)
	default:
		lgr.Logger.Error(
			"unknown stats type",
			slog.Any("stats", stats),
		)
		return
	}

	if err != nil {
		lgr.Logger.Error(
			"failed to store stats",
			slog.Any("stats", stats),
			slog.Any("error", err),
		)
	}
}

func procError(datasvc data.IService, err interface{}) {
	lgr.Logger.Error(
		"pipeline error",
		slog.Any("error", err),
	)

	errTemp := datasvc.NewError(err)
	if errTemp != nil {
		lgr.Logger.Error(
			"failed to store error",
			slog.Any("error", errTemp),
		)
	}
}

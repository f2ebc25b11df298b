package data

import "github.com/khaledhikmat/smartwaste-go/model"

type IService interface {
	NewError(err interface{}) error
	NewAgentStats(stats model.AgentStats) error
	NewFramerStats(stats model.FramerStats) error
	NewSamplerStats(stats model.SamplerStats) error
	NewDispatcherStats(stats model.DispatcherStats) error
	NewCorrelatorStats(stats model.CorrelatorStats) error
	NewPresenterStats(stats model.PresenterStats) error
}

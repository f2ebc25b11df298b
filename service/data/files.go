package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/config"
)

type filesDBService struct {
	CfgSvc config.IService

	mu sync.Mutex
}

// NewFilesDB keeps every entity kind in its own JSON array file under the
// results folder.
func NewFilesDB(cfgsvc config.IService) IService {
	return &filesDBService{
		CfgSvc: cfgsvc,
	}
}

func (svc *filesDBService) NewError(err interface{}) error {
	// Determine if the error is custom
	var customErr model.CustomError
	switch e := err.(type) {
	case model.CustomError:
		customErr = e
	case error:
		customErr.Processor = "N/A"
		customErr.Inner = e
		customErr.Message = e.Error()
		customErr.StackTrace = "N/A"
	default:
		customErr.Processor = "N/A"
		customErr.Message = fmt.Sprintf("%v", err)
		customErr.StackTrace = "N/A"
	}

	inner := ""
	if customErr.Inner != nil {
		inner = customErr.Inner.Error()
	}

	// Create an error object to persist
	errorData := struct {
		Timestamp  int64                  `json:"timestamp"`
		Processor  string                 `json:"processor"`
		Inner      string                 `json:"innerError"`
		Message    string                 `json:"message"`
		StackTrace string                 `json:"stackTrace"`
		Misc       map[string]interface{} `json:"misc"`
	}{
		Timestamp:  time.Now().Unix(),
		Processor:  customErr.Processor,
		Inner:      inner,
		Message:    customErr.Message,
		StackTrace: customErr.StackTrace,
		Misc:       customErr.Misc,
	}
	return newEntity(svc, errorData, "errors")
}

func (svc *filesDBService) NewAgentStats(stats model.AgentStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "agent-stats")
}

func (svc *filesDBService) NewFramerStats(stats model.FramerStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "framer-stats")
}

func (svc *filesDBService) NewSamplerStats(stats model.SamplerStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "sampler-stats")
}

func (svc *filesDBService) NewDispatcherStats(stats model.DispatcherStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "dispatcher-stats")
}

func (svc *filesDBService) NewCorrelatorStats(stats model.CorrelatorStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "correlator-stats")
}

func (svc *filesDBService) NewPresenterStats(stats model.PresenterStats) error {
	stats.Timestamp = time.Now().Unix()
	return newEntity(svc, stats, "presenter-stats")
}

func (svc *filesDBService) entityPath(filename string) string {
	return filepath.Join(svc.CfgSvc.GetResultsFolder(), filename+".json")
}

func newEntity[T any](svc *filesDBService, entity T, filename string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	entities, err := retrieveEntities[T](svc.entityPath(filename))
	if err != nil {
		return err
	}

	entities = append(entities, entity)

	data, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return xerrors.Errorf("marshalling %s: %w", filename, err)
	}

	if err := os.MkdirAll(svc.CfgSvc.GetResultsFolder(), 0o755); err != nil {
		return xerrors.Errorf("creating results folder: %w", err)
	}

	// Rewrite the whole array (with truncation)
	if err := os.WriteFile(svc.entityPath(filename), data, 0o644); err != nil {
		return xerrors.Errorf("writing %s: %w", filename, err)
	}

	return nil
}

func retrieveEntities[T any](path string) ([]T, error) {
	entities := []T{}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return entities, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, xerrors.Errorf("decoding %s: %w", path, err)
	}

	return entities, nil
}

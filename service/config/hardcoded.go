package config

import (
	"time"

	"github.com/khaledhikmat/smartwaste-go/model"
)

// Settings is the full configuration tree. It is what the YAML file maps onto.
type Settings struct {
	ModeMaxShutdownTime  int                  `yaml:"modeMaxShutdownTime"`
	InputFolder          string               `yaml:"inputFolder"`
	ResultsFolder        string               `yaml:"resultsFolder"`
	AgentPeriodicTimeout int                  `yaml:"agentPeriodicTimeout"`
	DetectMaxWorkers     int                  `yaml:"detectMaxWorkers"`
	Cameras              []model.Camera       `yaml:"cameras"`
	Sampler              SamplerParameters    `yaml:"sampler"`
	Dispatcher           DispatcherParameters `yaml:"dispatcher"`
	Inference            InferenceParameters  `yaml:"inference"`
	Presenter            PresenterParameters  `yaml:"presenter"`
}

type hardcodedService struct {
	settings Settings
}

// NewHardCoded returns the built-in defaults. It is what tests and the
// file backed service start from.
func NewHardCoded() IService {
	return &hardcodedService{
		settings: Defaults(),
	}
}

func Defaults() Settings {
	return Settings{
		ModeMaxShutdownTime:  5,
		InputFolder:          "./samples",
		ResultsFolder:        "./results",
		AgentPeriodicTimeout: 30,
		DetectMaxWorkers:     2,
		Cameras: []model.Camera{
			{
				ID:         "cam-0",
				Name:       "default",
				URL:        "0",
				FramerType: "capture",
				FPS:        15,
			},
		},
		Sampler: SamplerParameters{
			ConcurrencyCap:   1,
			MinFrameGap:      1,
			MinFrameInterval: 1500 * time.Millisecond,
		},
		Dispatcher: DispatcherParameters{
			RequestTimeout: 8 * time.Second,
			MaxRetries:     1,
			RetryDelay:     250 * time.Millisecond,
			MaxImageWidth:  640,
			JPEGQuality:    90,
		},
		Inference: InferenceParameters{
			APIKind:             APIKindWorkflow,
			EndpointURL:         "https://serverless.roboflow.com/infer/workflows/cohya/detect-count-and-visualize-3",
			ModelVersion:        "",
			ConfidenceThreshold: 0,
			OverlapThreshold:    0.3,
			Labels: map[string]string{
				"b3":        "Sampah B3",
				"anorganik": "Sampah Anorganik",
				"organik":   "Sampah Organik",
			},
		},
		Presenter: PresenterParameters{
			DetectionLog:    "detections.log",
			Annotate:        false,
			MQTTClientID:    "smartwaste",
			MQTTTopicPrefix: "smartwaste",
		},
	}
}

// Validate resets out of range values to their defaults.
func (s *Settings) Validate() {
	d := Defaults()

	if s.ModeMaxShutdownTime <= 0 {
		s.ModeMaxShutdownTime = d.ModeMaxShutdownTime
	}
	if s.AgentPeriodicTimeout <= 0 {
		s.AgentPeriodicTimeout = d.AgentPeriodicTimeout
	}
	if s.DetectMaxWorkers <= 0 {
		s.DetectMaxWorkers = d.DetectMaxWorkers
	}
	if s.Sampler.ConcurrencyCap <= 0 {
		s.Sampler.ConcurrencyCap = d.Sampler.ConcurrencyCap
	}
	if s.Sampler.MinFrameGap == 0 {
		s.Sampler.MinFrameGap = 1
	}
	if s.Sampler.MinFrameInterval < 0 {
		s.Sampler.MinFrameInterval = 0
	}
	if s.Dispatcher.RequestTimeout <= 0 {
		s.Dispatcher.RequestTimeout = d.Dispatcher.RequestTimeout
	}
	if s.Dispatcher.MaxRetries < 0 {
		s.Dispatcher.MaxRetries = 0
	}
	if s.Dispatcher.RetryDelay < 0 {
		s.Dispatcher.RetryDelay = 0
	}
	if s.Dispatcher.MaxImageWidth < 0 {
		s.Dispatcher.MaxImageWidth = 0
	}
	if s.Dispatcher.JPEGQuality <= 0 || s.Dispatcher.JPEGQuality > 100 {
		s.Dispatcher.JPEGQuality = d.Dispatcher.JPEGQuality
	}
	if s.Inference.APIKind != APIKindWorkflow && s.Inference.APIKind != APIKindModel {
		s.Inference.APIKind = d.Inference.APIKind
	}
	if s.Inference.ConfidenceThreshold < 0 || s.Inference.ConfidenceThreshold > 1 {
		s.Inference.ConfidenceThreshold = d.Inference.ConfidenceThreshold
	}
	if s.Inference.OverlapThreshold < 0 || s.Inference.OverlapThreshold > 1 {
		s.Inference.OverlapThreshold = d.Inference.OverlapThreshold
	}
	for i := range s.Cameras {
		if s.Cameras[i].FPS <= 0 {
			s.Cameras[i].FPS = 15
		}
		if s.Cameras[i].Name == "" {
			s.Cameras[i].Name = s.Cameras[i].ID
		}
	}
}

func (svc *hardcodedService) GetModeMaxShutdownTime() int {
	return svc.settings.ModeMaxShutdownTime
}

func (svc *hardcodedService) GetInputFolder() string {
	return svc.settings.InputFolder
}

func (svc *hardcodedService) GetResultsFolder() string {
	return svc.settings.ResultsFolder
}

func (svc *hardcodedService) GetCameras() []model.Camera {
	cameras := make([]model.Camera, len(svc.settings.Cameras))
	copy(cameras, svc.settings.Cameras)
	return cameras
}

func (svc *hardcodedService) GetAgentPeriodicTimeout() int {
	return svc.settings.AgentPeriodicTimeout
}

func (svc *hardcodedService) GetDetectMaxWorkers() int {
	return svc.settings.DetectMaxWorkers
}

func (svc *hardcodedService) GetSamplerParameters() SamplerParameters {
	return svc.settings.Sampler
}

func (svc *hardcodedService) GetDispatcherParameters() DispatcherParameters {
	return svc.settings.Dispatcher
}

func (svc *hardcodedService) GetInferenceParameters() InferenceParameters {
	p := svc.settings.Inference
	labels := make(map[string]string, len(p.Labels))
	for k, v := range p.Labels {
		labels[k] = v
	}
	p.Labels = labels
	return p
}

func (svc *hardcodedService) GetPresenterParameters() PresenterParameters {
	return svc.settings.Presenter
}

package config

import (
	"time"

	"github.com/khaledhikmat/smartwaste-go/model"
)

const (
	APIKindWorkflow = "workflow"
	APIKindModel    = "model"
)

type SamplerParameters struct {
	ConcurrencyCap   int           `yaml:"concurrencyCap"`
	MinFrameGap      uint64        `yaml:"minFrameGap"`
	MinFrameInterval time.Duration `yaml:"minFrameInterval"`
}

type DispatcherParameters struct {
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	MaxImageWidth  int           `yaml:"maxImageWidth"`
	JPEGQuality    int           `yaml:"jpegQuality"`
}

type InferenceParameters struct {
	APIKind             string            `yaml:"apiKind"`
	EndpointURL         string            `yaml:"endpointURL"`
	ModelVersion        string            `yaml:"modelVersion"`
	APIKey              string            `yaml:"apiKey"`
	ConfidenceThreshold float64           `yaml:"confidenceThreshold"`
	OverlapThreshold    float64           `yaml:"overlapThreshold"`
	Labels              map[string]string `yaml:"labels"`
}

type PresenterParameters struct {
	DetectionLog    string `yaml:"detectionLog"`
	Annotate        bool   `yaml:"annotate"`
	WebhookURL      string `yaml:"webhookURL"`
	MQTTBroker      string `yaml:"mqttBroker"`
	MQTTClientID    string `yaml:"mqttClientID"`
	MQTTTopicPrefix string `yaml:"mqttTopicPrefix"`
}

type IService interface {
	GetModeMaxShutdownTime() int
	GetInputFolder() string
	GetResultsFolder() string
	GetCameras() []model.Camera
	GetAgentPeriodicTimeout() int
	GetDetectMaxWorkers() int
	GetSamplerParameters() SamplerParameters
	GetDispatcherParameters() DispatcherParameters
	GetInferenceParameters() InferenceParameters
	GetPresenterParameters() PresenterParameters
}

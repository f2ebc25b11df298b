package config

import (
	"os"
	"strconv"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// NewFromFile layers the YAML file at path (optional) and then environment
// variables on top of the defaults.
func NewFromFile(path string) (IService, error) {
	settings := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, xerrors.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(&settings, os.Getenv)
	settings.Validate()

	return &hardcodedService{settings: settings}, nil
}

func applyEnv(s *Settings, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("ROBOFLOW_API_KEY", &s.Inference.APIKey)
	str("ROBOFLOW_API_KIND", &s.Inference.APIKind)
	str("ROBOFLOW_ENDPOINT_URL", &s.Inference.EndpointURL)
	str("ROBOFLOW_MODEL_VERSION", &s.Inference.ModelVersion)

	num("SAMPLER_CONCURRENCY_CAP", &s.Sampler.ConcurrencyCap)
	if v := getenv("SAMPLER_MIN_FRAME_GAP"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			s.Sampler.MinFrameGap = n
		}
	}
	dur("SAMPLER_MIN_FRAME_INTERVAL", &s.Sampler.MinFrameInterval)

	dur("DISPATCHER_REQUEST_TIMEOUT", &s.Dispatcher.RequestTimeout)
	num("DISPATCHER_MAX_RETRIES", &s.Dispatcher.MaxRetries)

	str("INPUT_FOLDER", &s.InputFolder)
	str("RESULTS_FOLDER", &s.ResultsFolder)
	str("WEBHOOK_URL", &s.Presenter.WebhookURL)
	str("MQTT_BROKER", &s.Presenter.MQTTBroker)
	str("DETECTION_LOG", &s.Presenter.DetectionLog)
}

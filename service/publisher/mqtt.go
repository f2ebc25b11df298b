package publisher

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/service/config"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

type mqttService struct {
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
}

// NewMQTT connects to the configured broker. The client reconnects on its own
// after the first successful connection.
func NewMQTT(cfgsvc config.IService) (IService, error) {
	params := cfgsvc.GetPresenterParameters()
	if params.MQTTBroker == "" {
		return nil, xerrors.New("mqtt broker is not configured")
	}

	broker := params.MQTTBroker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	svc := &mqttService{}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(params.MQTTClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		svc.setConnected(true)
		lgr.Logger.Info("mqtt connection established", slog.String("broker", broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		svc.setConnected(false)
		lgr.Logger.Warn("mqtt connection lost", slog.String("broker", broker), slog.Any("error", err))
	}

	svc.client = mqtt.NewClient(opts)

	token := svc.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, xerrors.Errorf("mqtt connection to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, xerrors.Errorf("mqtt connection to %s failed: %w", broker, err)
	}
	svc.setConnected(true)

	return svc, nil
}

func (svc *mqttService) Publish(ctx context.Context, topic string, payload []byte) error {
	if !svc.isConnected() {
		return xerrors.New("mqtt not connected")
	}

	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	token := svc.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(timeout) {
		return xerrors.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return xerrors.Errorf("mqtt publish to %s: %w", topic, err)
	}

	return nil
}

func (svc *mqttService) Close() error {
	if svc.client != nil && svc.client.IsConnected() {
		svc.client.Disconnect(250)
	}
	svc.setConnected(false)
	return nil
}

func (svc *mqttService) setConnected(v bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.connected = v
}

func (svc *mqttService) isConnected() bool {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.connected
}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/service/config"
)

const postTimeout = 5 * time.Second

type httpService struct {
	client *http.Client
	url    string
}

// NewHTTP posts JSON payloads to the configured webhook URL.
func NewHTTP(cfgsvc config.IService, client *http.Client) IService {
	if client == nil {
		client = &http.Client{}
	}

	return &httpService{
		client: client,
		url:    cfgsvc.GetPresenterParameters().WebhookURL,
	}
}

func (svc *httpService) Post(ctx context.Context, payload interface{}) error {
	if svc.url == "" {
		return xerrors.New("webhook url is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Errorf("marshalling webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := svc.client.Do(req)
	if err != nil {
		return xerrors.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}

	return nil
}

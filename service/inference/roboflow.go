package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/service/config"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
)

const (
	maxResponseBytes = 4 << 20
	maxErrorBody     = 512
)

type roboflowService struct {
	client *http.Client
	params config.InferenceParameters
	opts   decodeOptions
}

// NewRoboflow talks to either a Roboflow workflow endpoint or a hosted
// detection model, depending on the configured API kind. Per request
// deadlines come from the caller's context, so client must not set Timeout.
func NewRoboflow(cfgSvc config.IService, client *http.Client) IService {
	if client == nil {
		client = &http.Client{}
	}

	params := cfgSvc.GetInferenceParameters()
	return &roboflowService{
		client: client,
		params: params,
		opts: decodeOptions{
			labels:              normalizeLabels(params.Labels),
			confidenceThreshold: params.ConfidenceThreshold,
		},
	}
}

func (svc *roboflowService) Invoke(ctx context.Context, req Request) (Result, error) {
	httpReq, err := svc.newRequest(ctx, req)
	if err != nil {
		// Nothing we send will ever be accepted
		return Result{}, NewError(KindClientError, err)
	}

	resp, err := svc.client.Do(httpReq)
	if err != nil {
		return Result{}, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, classifyTransport(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := KindClientError
		if resp.StatusCode >= 500 {
			kind = KindServerError
		}
		return Result{}, &Error{
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBody),
		}
	}

	lgr.Logger.DebugContext(ctx, "roboflow response",
		slog.String("requestID", req.ID),
		slog.Uint64("seq", req.Seq),
		slog.Int("bytes", len(body)),
	)

	return decodeResponse(body, svc.opts)
}

func (svc *roboflowService) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	encoded := base64.StdEncoding.EncodeToString(req.Image)

	if svc.params.APIKind == config.APIKindModel {
		return svc.newModelRequest(ctx, encoded)
	}
	return svc.newWorkflowRequest(ctx, encoded)
}

func (svc *roboflowService) newWorkflowRequest(ctx context.Context, encoded string) (*http.Request, error) {
	payload := map[string]interface{}{
		"api_key": svc.params.APIKey,
		"inputs": map[string]interface{}{
			"image": map[string]interface{}{
				"type":  "base64",
				"value": encoded,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Errorf("marshalling workflow payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.params.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Errorf("building workflow request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")

	return httpReq, nil
}

func (svc *roboflowService) newModelRequest(ctx context.Context, encoded string) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(svc.params.EndpointURL, "/") + "/" + strings.TrimLeft(svc.params.ModelVersion, "/"))
	if err != nil {
		return nil, xerrors.Errorf("parsing model endpoint: %w", err)
	}

	q := u.Query()
	q.Set("api_key", svc.params.APIKey)
	if svc.params.ConfidenceThreshold > 0 {
		// The hosted API takes percentages
		q.Set("confidence", strconv.Itoa(percent(svc.params.ConfidenceThreshold)))
	}
	if svc.params.OverlapThreshold > 0 {
		q.Set("overlap", strconv.Itoa(percent(svc.params.OverlapThreshold)))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(encoded))
	if err != nil {
		return nil, xerrors.Errorf("building model request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return httpReq, nil
}

// percent rounds a 0..1 fraction to the nearest whole percentage.
func percent(v float64) int {
	return int(math.Round(v * 100))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package inference

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/model"
)

type prediction struct {
	Class       string  `json:"class"`
	ClassID     int     `json:"class_id"`
	Confidence  float64 `json:"confidence"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	DetectionID string  `json:"detection_id"`
}

type imageInfo struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type predictionBlock struct {
	Image       *imageInfo      `json:"image"`
	Predictions json.RawMessage `json:"predictions"`
}

type response struct {
	Outputs     []map[string]json.RawMessage `json:"outputs"`
	Predictions json.RawMessage              `json:"predictions"`
	Image       *imageInfo                   `json:"image"`
}

type decodeOptions struct {
	labels              map[string]string
	confidenceThreshold float64
}

// decodeResponse accepts both the hosted model shape
// ({"predictions": [...], "image": {...}}) and the workflow shape
// ({"outputs": [{"predictions": {"image": {...}, "predictions": [...]}}]}).
func decodeResponse(body []byte, opts decodeOptions) (Result, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Result{}, NewError(KindMalformedResponse, xerrors.New("response body is not a JSON object"))
	}

	// Distinguish a missing "outputs" key from an empty one
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &keys); err != nil {
		return Result{}, NewError(KindMalformedResponse, err)
	}

	var resp response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return Result{}, NewError(KindMalformedResponse, err)
	}

	var (
		preds []prediction
		img   = resp.Image
	)

	_, hasOutputs := keys["outputs"]
	_, hasPredictions := keys["predictions"]

	switch {
	case hasOutputs:
		for _, output := range resp.Outputs {
			p, i, err := parsePredictions(output["predictions"])
			if err != nil {
				return Result{}, err
			}
			preds = append(preds, p...)
			if img == nil {
				img = i
			}
		}

	case hasPredictions:
		p, i, err := parsePredictions(resp.Predictions)
		if err != nil {
			return Result{}, err
		}
		preds = p
		if img == nil {
			img = i
		}

	default:
		return Result{}, NewError(KindMalformedResponse, xerrors.New("response has neither outputs nor predictions"))
	}

	result := Result{
		Detections: toDetections(preds, opts),
	}
	if img != nil {
		result.ImageWidth = int(img.Width)
		result.ImageHeight = int(img.Height)
	}

	return result, nil
}

func parsePredictions(raw json.RawMessage) ([]prediction, *imageInfo, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil, nil
	}

	switch trimmed[0] {
	case '[':
		var preds []prediction
		if err := json.Unmarshal(trimmed, &preds); err != nil {
			return nil, nil, NewError(KindMalformedResponse, err)
		}
		return preds, nil, nil

	case '{':
		var block predictionBlock
		if err := json.Unmarshal(trimmed, &block); err != nil {
			return nil, nil, NewError(KindMalformedResponse, err)
		}
		preds, _, err := parsePredictions(block.Predictions)
		if err != nil {
			return nil, nil, err
		}
		return preds, block.Image, nil

	default:
		return nil, nil, NewError(KindMalformedResponse, xerrors.Errorf("unexpected predictions value: %.32s", string(trimmed)))
	}
}

func toDetections(preds []prediction, opts decodeOptions) []model.Detection {
	return lo.FilterMap(preds, func(p prediction, _ int) (model.Detection, bool) {
		// Boxes without an area carry no location
		if p.Width <= 0 || p.Height <= 0 {
			return model.Detection{}, false
		}
		if p.Confidence < opts.confidenceThreshold {
			return model.Detection{}, false
		}

		class := p.Class
		if class == "" {
			class = "Unknown"
		}

		return model.Detection{
			Label:      readableLabel(class, opts.labels),
			Class:      class,
			ClassID:    p.ClassID,
			Confidence: p.Confidence,
			Box: model.BoundingBox{
				X:      p.X,
				Y:      p.Y,
				Width:  p.Width,
				Height: p.Height,
			},
		}, true
	})
}

func readableLabel(class string, labels map[string]string) string {
	if label, ok := labels[strings.ToLower(class)]; ok {
		return label
	}
	return class
}

func normalizeLabels(labels map[string]string) map[string]string {
	return lo.MapKeys(labels, func(_ string, k string) string {
		return strings.ToLower(k)
	})
}

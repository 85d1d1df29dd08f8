package utils

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Perceptus-Labs/sos-scanner/models"
)

const maxResponseBytes = 8 * megabyte

// TransportError reports a failed request or a non-success status.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("detection service returned status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("detection service request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError reports a response body that could not be used.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed detection response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

var errMissingDetections = errors.New("missing detections field")

// DetectorConfig configures a DetectionClient.
type DetectorConfig struct {
	Endpoint string
	Timeout  time.Duration
	APIKey   string
}

// DetectionClient posts frames to the remote detection service.
type DetectionClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewDetectionClient(cfg DetectorConfig) *DetectionClient {
	return &DetectionClient{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Detect sends one JPEG payload and returns the raw detections and any
// recognized text. It performs exactly one request; retrying is left to the
// caller's schedule.
func (c *DetectionClient) Detect(ctx context.Context, jpegData []byte) (*models.DetectResult, error) {
	body, err := json.Marshal(models.DetectRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(jpegData),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: errors.New(truncate(string(bodyBytes), 256))}
	}

	result, err := ParseDetectResponse(bodyBytes)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("Detection response",
		zap.Int("detections", len(result.Detections)),
		zap.Int("text_fragments", len(result.Text)))
	return result, nil
}

// ParseDetectResponse decodes a success body. A body without a detections
// list is malformed; ocr_text is optional and may be a string or a list.
func ParseDetectResponse(body []byte) (*models.DetectResult, error) {
	var response models.DetectResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, &MalformedResponseError{Err: err}
	}

	raw := bytes.TrimSpace(response.Detections)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &MalformedResponseError{Err: errMissingDetections}
	}

	var detections []models.Detection
	if err := json.Unmarshal(raw, &detections); err != nil {
		return nil, &MalformedResponseError{Err: fmt.Errorf("detections: %w", err)}
	}

	return &models.DetectResult{
		Detections: detections,
		Text:       []string(response.OCRText),
	}, nil
}

// IsCycleFailure reports whether err is one of the per-cycle failures that
// are surfaced as a connection problem.
func IsCycleFailure(err error) bool {
	var te *TransportError
	var me *MalformedResponseError
	return errors.As(err, &te) || errors.As(err, &me)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectionPercent(t *testing.T) {
	tests := []struct {
		confidence float64
		want       int
	}{
		{0.9, 90},
		{0.856, 86},
		{0.854, 85},
		{1, 100},
		{0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Detection{Label: "mask", Confidence: tt.confidence}.Percent(), "confidence %v", tt.confidence)
	}
}

func TestDetectionJSONCarriesPercent(t *testing.T) {
	data, err := json.Marshal(Detection{Label: "gloves", Confidence: 0.853})
	require.NoError(t, err)
	assert.JSONEq(t, `{"label":"gloves","confidence":0.853,"percent":85}`, string(data))

	var back Detection
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Detection{Label: "gloves", Confidence: 0.853}, back)
}

func TestSessionStateCandidatesCarryPercent(t *testing.T) {
	data, err := json.Marshal(SessionState{
		Phase:      PhaseReviewing,
		Candidates: []Detection{{Label: "mask", Confidence: 0.9}},
	})
	require.NoError(t, err)

	var wire struct {
		Candidates []struct {
			Label   string `json:"label"`
			Percent int    `json:"percent"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	require.Len(t, wire.Candidates, 1)
	assert.Equal(t, 90, wire.Candidates[0].Percent)
}

func TestRecognizedTextAcceptsStringOrList(t *testing.T) {
	var resp DetectResponse
	require.NoError(t, json.Unmarshal([]byte(`{"detections":[],"ocr_text":"LOT 7"}`), &resp))
	assert.Equal(t, RecognizedText{"LOT 7"}, resp.OCRText)

	require.NoError(t, json.Unmarshal([]byte(`{"detections":[],"ocr_text":["A","B"]}`), &resp))
	assert.Equal(t, RecognizedText{"A", "B"}, resp.OCRText)

	resp = DetectResponse{}
	require.NoError(t, json.Unmarshal([]byte(`{"detections":[],"ocr_text":""}`), &resp))
	assert.Nil(t, resp.OCRText)
}

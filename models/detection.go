package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Detection is one candidate label proposed by the detection service for a
// single captured frame.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Percent returns the confidence rounded to a whole percentage for display.
func (d Detection) Percent() int {
	return int(math.Round(d.Confidence * 100))
}

// MarshalJSON adds the display percentage next to the raw confidence.
func (d Detection) MarshalJSON() ([]byte, error) {
	type plain Detection
	return json.Marshal(struct {
		plain
		Percent int `json:"percent"`
	}{plain(d), d.Percent()})
}

// DetectRequest is the body posted to the detection service.
type DetectRequest struct {
	ImageBase64 string `json:"imageBase64"`
}

// DetectResult is the decoded response of the detection service.
type DetectResult struct {
	Detections []Detection
	Text       []string
}

// RecognizedText accepts either a single string or a list of strings.
type RecognizedText []string

func (t *RecognizedText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = nil
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*t = nil
			return nil
		}
		*t = RecognizedText{s}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("ocr_text must be a string or a list of strings: %w", err)
	}
	*t = list
	return nil
}

// DetectResponse mirrors the wire shape of a successful response. Detections
// is a raw message so a missing field can be told apart from an empty list.
type DetectResponse struct {
	Detections json.RawMessage `json:"detections"`
	OCRText    RecognizedText  `json:"ocr_text"`
}

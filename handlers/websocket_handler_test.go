package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Perceptus-Labs/sos-scanner/config"
	"github.com/Perceptus-Labs/sos-scanner/guardrails"
	"github.com/Perceptus-Labs/sos-scanner/models"
	"github.com/Perceptus-Labs/sos-scanner/utils"
)

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, det Detector) (*httptest.Server, *ScannerServer) {
	t.Helper()
	factory := func(id string, observers ...StateObserver) *ScanSession {
		dev := &fakeDevice{}
		return NewScanSession(id, ScanConfig{
			Interval:      testInterval,
			DiscardStale:  true,
			ConfirmPolicy: config.ConfirmCandidates,
		}, ScanDeps{
			OpenDevice: func(context.Context) (CaptureDevice, error) { return dev, nil },
			Encoder:    utils.NewFrameEncoder(80, 640, 480),
			Detector:   det,
			Policy:     guardrails.DefaultPolicy(),
			Observers:  observers,
		})
	}
	scanner := NewScannerServer(factory)
	srv := httptest.NewServer(NewRouter(scanner))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		scanner.Shutdown(ctx)
		srv.Close()
	})
	return srv, scanner
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/scan"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(models.WebSocketMessage{Type: msgType, Data: data, Timestamp: time.Now()}))
}

// readUntil reads messages until match returns true or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(inboundMessage) bool) inboundMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		var msg inboundMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func stateWithPhase(t *testing.T, phase models.Phase) func(inboundMessage) bool {
	return func(msg inboundMessage) bool {
		if msg.Type != "state" {
			return false
		}
		var st models.SessionState
		require.NoError(t, json.Unmarshal(msg.Data, &st))
		return st.Phase == phase
	}
}

func ofType(msgType string) func(inboundMessage) bool {
	return func(msg inboundMessage) bool { return msg.Type == msgType }
}

func TestWebSocketScanFlow(t *testing.T) {
	det := &scriptedDetector{respond: always(&models.DetectResult{
		Detections: referenceDetections,
		Text:       []string{"STERILE"},
	}, nil)}
	srv, _ := newTestServer(t, det)
	conn := dial(t, srv)

	sendMsg(t, conn, "ping", nil)
	readUntil(t, conn, ofType("pong"))

	sendMsg(t, conn, "start", nil)
	readUntil(t, conn, ofType("session_started"))

	msg := readUntil(t, conn, stateWithPhase(t, models.PhaseReviewing))
	var st models.SessionState
	require.NoError(t, json.Unmarshal(msg.Data, &st))
	require.Len(t, st.Candidates, 3)
	assert.Equal(t, "mask", st.Candidates[0].Label)

	var wire struct {
		Candidates []map[string]interface{} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &wire))
	assert.EqualValues(t, 90, wire.Candidates[0]["percent"])
	assert.EqualValues(t, 72, wire.Candidates[2]["percent"])
	assert.Equal(t, []string{"STERILE"}, st.RecognizedText)

	sendMsg(t, conn, "confirm", map[string]string{"label": "tape"})
	errMsg := readUntil(t, conn, ofType("error"))
	var payload map[string]string
	require.NoError(t, json.Unmarshal(errMsg.Data, &payload))
	assert.Equal(t, "label_not_candidate", payload["code"])

	sendMsg(t, conn, "confirm", map[string]string{"label": "gloves"})
	msg = readUntil(t, conn, stateWithPhase(t, models.PhaseConfirmed))
	var confirmed models.SessionState
	require.NoError(t, json.Unmarshal(msg.Data, &confirmed))
	assert.Equal(t, "gloves", confirmed.ConfirmedLabel)

	sendMsg(t, conn, "next_item", nil)
	msg = readUntil(t, conn, stateWithPhase(t, models.PhaseCapturing))
	var next models.SessionState
	require.NoError(t, json.Unmarshal(msg.Data, &next))
	assert.Empty(t, next.ConfirmedLabel)
	assert.Nil(t, next.Confirmed)
	assert.Empty(t, next.Candidates)
	assert.Empty(t, next.RecognizedText)

	sendMsg(t, conn, "stop", nil)
	readUntil(t, conn, ofType("stop_confirmation"))

	sendMsg(t, conn, "mark_unknown", nil)
	errMsg = readUntil(t, conn, ofType("error"))
	require.NoError(t, json.Unmarshal(errMsg.Data, &payload))
	assert.Equal(t, "no_session", payload["code"])
}

func TestWebSocketUnknownMessage(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedDetector{respond: blockUntilDone})
	conn := dial(t, srv)

	sendMsg(t, conn, "reboot", nil)
	msg := readUntil(t, conn, ofType("error"))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "reboot", payload["type"])
}

func TestLabelFrom(t *testing.T) {
	assert.Equal(t, "mask", labelFrom("mask"))
	assert.Equal(t, "gown", labelFrom(map[string]interface{}{"label": "gown"}))
	assert.Equal(t, "", labelFrom(map[string]interface{}{"label": 3}))
	assert.Equal(t, "", labelFrom(nil))
}

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	HealthCheckHandler(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

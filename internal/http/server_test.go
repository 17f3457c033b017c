package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cartridge/replaybuf/internal/metrics"
	"github.com/cartridge/replaybuf/internal/replay"
	"github.com/cartridge/replaybuf/internal/service"
)

func newTestServer(t *testing.T, prioritized bool, minWritten int64) *Server {
	t.Helper()
	buf, err := replay.New(replay.Config{
		RingDepth: 64, EnvSlots: 1, FrameLen: 2,
		FrameStack: 2, NStep: 2, Discount: 0.99,
		Prioritized: prioritized, Alpha: 0.6, Beta: 0.4,
		DefaultPriority: 1, PriorityFloor: 1e-6, Seed: 11,
	})
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	logger := zerolog.New(io.Discard)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sched := replay.BetaSchedule{Init: 0.4, Final: 1.0, Steps: 100}
	svc := service.NewReplay(buf, sched, minWritten, m, logger)
	return NewServer(svc, m, reg, logger)
}

func chunkPayload(steps, frameLen, step0 int) map[string]any {
	obs := make([][][]float32, steps)
	actions := make([][]int32, steps)
	rewards := make([][]float32, steps)
	dones := make([][]bool, steps)
	for i := 0; i < steps; i++ {
		frame := make([]float32, frameLen)
		for j := range frame {
			frame[j] = float32(step0 + i + 1)
		}
		obs[i] = [][]float32{frame}
		actions[i] = []int32{int32(step0 + i)}
		rewards[i] = []float32{float32(step0 + i)}
		dones[i] = []bool{false}
	}
	return map[string]any{
		"observations": obs,
		"actions":      actions,
		"rewards":      rewards,
		"dones":        dones,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func TestAppendAndSample(t *testing.T) {
	server := newTestServer(t, false, 0)
	routes := server.Routes()

	res := doJSON(t, routes, http.MethodPost, "/api/v1/append", chunkPayload(30, 2, 0))
	if res.Code != http.StatusOK {
		t.Fatalf("append: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var appended struct {
		Steps int `json:"steps"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &appended); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if appended.Steps != 30 {
		t.Fatalf("expected 30 steps accepted, got %d", appended.Steps)
	}

	res = doJSON(t, routes, http.MethodPost, "/api/v1/sample", map[string]any{"size": 8})
	if res.Code != http.StatusOK {
		t.Fatalf("sample: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var batch sampleResponse
	if err := json.Unmarshal(res.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if batch.Size != 8 || len(batch.Observations) != 8 || len(batch.Returns) != 8 {
		t.Fatalf("malformed batch: %+v", batch)
	}
	if batch.HandleID != "" || batch.Weights != nil {
		t.Fatalf("uniform batch should carry no priority fields: %+v", batch)
	}
}

func TestAppendRejectsMalformedChunk(t *testing.T) {
	server := newTestServer(t, false, 0)
	routes := server.Routes()

	payload := chunkPayload(4, 2, 0)
	payload["rewards"] = [][]float32{{1}} // wrong step count
	res := doJSON(t, routes, http.MethodPost, "/api/v1/append", payload)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/append", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	res = httptest.NewRecorder()
	routes.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for truncated JSON, got %d", res.Code)
	}
}

func TestSampleRejectsOversizedRequest(t *testing.T) {
	server := newTestServer(t, false, 0)
	routes := server.Routes()
	doJSON(t, routes, http.MethodPost, "/api/v1/append", chunkPayload(30, 2, 0))

	res := doJSON(t, routes, http.MethodPost, "/api/v1/sample", map[string]any{"size": maxSampleSize + 1})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized batch, got %d", res.Code)
	}

	res = doJSON(t, routes, http.MethodPost, "/api/v1/sample", map[string]any{"size": 1 << 30})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for huge batch, got %d", res.Code)
	}
}

func TestSampleBeforeWarmup(t *testing.T) {
	server := newTestServer(t, false, 100)
	routes := server.Routes()

	doJSON(t, routes, http.MethodPost, "/api/v1/append", chunkPayload(10, 2, 0))
	res := doJSON(t, routes, http.MethodPost, "/api/v1/sample", map[string]any{"size": 4})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 during warmup, got %d", res.Code)
	}
}

func TestPriorityRoundTrip(t *testing.T) {
	server := newTestServer(t, true, 0)
	routes := server.Routes()

	doJSON(t, routes, http.MethodPost, "/api/v1/append", chunkPayload(40, 2, 0))
	res := doJSON(t, routes, http.MethodPost, "/api/v1/sample", map[string]any{"size": 4})
	if res.Code != http.StatusOK {
		t.Fatalf("sample: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var batch sampleResponse
	if err := json.Unmarshal(res.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if batch.HandleID == "" || len(batch.Weights) != 4 {
		t.Fatalf("prioritized batch missing priority fields: %+v", batch)
	}

	res = doJSON(t, routes, http.MethodPost, "/api/v1/priorities", map[string]any{
		"handle_id": batch.HandleID,
		"errors":    []float32{0.5, 1.5, 2.5, 3.5},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("priorities: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var upd prioritiesResponse
	if err := json.Unmarshal(res.Body.Bytes(), &upd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if upd.Applied != 4 || upd.Stale != 0 {
		t.Fatalf("expected 4 applied, got %+v", upd)
	}
}

func TestPriorityErrors(t *testing.T) {
	server := newTestServer(t, true, 0)
	routes := server.Routes()
	doJSON(t, routes, http.MethodPost, "/api/v1/append", chunkPayload(40, 2, 0))

	res := doJSON(t, routes, http.MethodPost, "/api/v1/priorities", map[string]any{
		"handle_id": "2f9d9f0e-0000-0000-0000-000000000000",
		"errors":    []float32{1},
	})
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown handle, got %d", res.Code)
	}

	res = doJSON(t, routes, http.MethodPost, "/api/v1/priorities", map[string]any{
		"handle_id": "not-a-uuid",
		"errors":    []float32{1},
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed handle, got %d", res.Code)
	}

	uniform := newTestServer(t, false, 0)
	uroutes := uniform.Routes()
	doJSON(t, uroutes, http.MethodPost, "/api/v1/append", chunkPayload(40, 2, 0))
	res = doJSON(t, uroutes, http.MethodPost, "/api/v1/priorities", map[string]any{
		"errors": []float32{1},
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for uniform buffer, got %d", res.Code)
	}
}

func TestSetBetaAndStats(t *testing.T) {
	server := newTestServer(t, true, 0)
	routes := server.Routes()
	doJSON(t, routes, http.MethodPost, "/api/v1/append", chunkPayload(20, 2, 0))

	res := doJSON(t, routes, http.MethodPut, "/api/v1/beta", map[string]any{"beta": 0.8})
	if res.Code != http.StatusOK {
		t.Fatalf("beta: expected 200, got %d: %s", res.Code, res.Body.String())
	}

	res = doJSON(t, routes, http.MethodGet, "/api/v1/stats", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", res.Code)
	}
	var stats struct {
		Steps       int64   `json:"steps"`
		Prioritized bool    `json:"prioritized"`
		Beta        float64 `json:"beta"`
		Warm        bool    `json:"warm"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Steps != 20 || !stats.Prioritized || stats.Beta != 0.8 || !stats.Warm {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	server := newTestServer(t, false, 0)
	routes := server.Routes()

	res := doJSON(t, routes, http.MethodGet, "/healthz", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", res.Code)
	}

	doJSON(t, routes, http.MethodPost, "/api/v1/append", chunkPayload(10, 2, 0))
	res = doJSON(t, routes, http.MethodGet, "/metrics", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "replaybuf_appends_total") {
		t.Fatalf("metrics output missing append counter")
	}
}

func TestAppendStream(t *testing.T) {
	server := newTestServer(t, false, 0)
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/append/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if err := conn.WriteJSON(chunkPayload(5, 2, i*5)); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
		var ack streamAck
		if err := conn.ReadJSON(&ack); err != nil {
			t.Fatalf("read ack %d: %v", i, err)
		}
		if ack.Steps != 5 || ack.Error != "" {
			t.Fatalf("bad ack: %+v", ack)
		}
	}

	res, err := http.Get(ts.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer res.Body.Close()
	var stats struct {
		Steps int64 `json:"steps"`
	}
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Steps != 15 {
		t.Fatalf("expected 15 streamed steps, got %d", stats.Steps)
	}
}

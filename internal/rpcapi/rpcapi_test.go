package rpcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/modelgate/internal/adapter"
	"github.com/jordanhubbard/modelgate/internal/dispatcher"
	"github.com/jordanhubbard/modelgate/internal/loadtracker"
	"github.com/jordanhubbard/modelgate/internal/registry"
	"github.com/jordanhubbard/modelgate/internal/router"
)

// stubSender always returns a fixed outcome.
type stubSender struct{ id string }

func (s *stubSender) ID() string { return s.id }

func (s *stubSender) Call(ctx context.Context, model string, query adapter.Query, opts adapter.Options) (adapter.Outcome, error) {
	return adapter.Outcome{Text: "stub response", Cost: 0.01}, nil
}

func newTestDeps(t *testing.T) Dependencies {
	t.Helper()
	reg := registry.New()
	reg.Load(registry.Descriptor{
		Name:           "remote-a",
		Status:         registry.StatusOnline,
		SupportedTypes: []registry.ModelType{registry.Local, registry.Hybrid, registry.Remote},
		Capabilities:   []string{"chat", "summarize"},
		MaxConcurrent:  10,
		BaseCost:       0.01,
		MaxCost:        1.0,
		CostEfficiency: 0.9,
	})
	tracker := loadtracker.New(func(string) int { return 10 })
	r := router.New(reg, tracker, 0.3, 0.7)
	d := dispatcher.New(r, tracker, map[string]adapter.Sender{"remote-a": &stubSender{id: "remote-a"}}, nil)
	return Dependencies{Dispatcher: d, Registry: reg}
}

func TestProcessQueryHandler_Success(t *testing.T) {
	deps := newTestDeps(t)
	body, _ := json.Marshal(queryRequest{RequestID: "req-1", Query: "summarize this document please", Metadata: map[string]string{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader(body))
	w := httptest.NewRecorder()

	ProcessQueryHandler(deps)(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp queryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "req-1", resp.RequestID)
	require.Equal(t, "remote-a", resp.ModelUsed)
	require.Equal(t, "stub response", resp.Response)
}

func TestProcessQueryHandler_EmptyQueryIsInvalidRequest(t *testing.T) {
	deps := newTestDeps(t)
	body, _ := json.Marshal(queryRequest{RequestID: "req-2", Query: ""})
	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader(body))
	w := httptest.NewRecorder()

	ProcessQueryHandler(deps)(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "INVALID_REQUEST", resp.Code)
}

func TestGetModelCapabilitiesHandler_UnionsOnlineProviders(t *testing.T) {
	deps := newTestDeps(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil)
	w := httptest.NewRecorder()

	GetModelCapabilitiesHandler(deps)(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp capabilitiesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.ElementsMatch(t, []string{"chat", "summarize"}, resp.Capabilities)
	require.Len(t, resp.Providers, 1)
}

func TestEvaluateComplexityHandler_RejectsEmptyQuery(t *testing.T) {
	body, _ := json.Marshal(complexityRequest{Query: ""})
	req := httptest.NewRequest(http.MethodPost, "/v1/complexity", bytes.NewReader(body))
	w := httptest.NewRecorder()

	EvaluateComplexityHandler()(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvaluateComplexityHandler_ScoresNonEmptyQuery(t *testing.T) {
	body, _ := json.Marshal(complexityRequest{Query: "Explain the CAP theorem in distributed systems with examples."})
	req := httptest.NewRequest(http.MethodPost, "/v1/complexity", bytes.NewReader(body))
	w := httptest.NewRecorder()

	EvaluateComplexityHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp complexityResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.GreaterOrEqual(t, resp.ComplexityScore, 0.0)
	require.LessOrEqual(t, resp.ComplexityScore, 1.0)
}

func TestMountRoutes_HealthzReflectsProviderStatus(t *testing.T) {
	deps := newTestDeps(t)
	r := chi.NewRouter()
	MountRoutes(r, ServerDependencies{Dependencies: deps})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

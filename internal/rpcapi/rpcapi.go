// Package rpcapi mounts the gateway's three RPC methods (§6) over HTTP:
// ProcessQuery, GetModelCapabilities, EvaluateComplexity. It is the only
// externally-reachable surface the gateway exposes; everything else
// (healthz, metrics, admin alerts) is ambient operational plumbing.
package rpcapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jordanhubbard/modelgate/internal/complexity"
	"github.com/jordanhubbard/modelgate/internal/dispatcher"
	"github.com/jordanhubbard/modelgate/internal/gwerr"
	"github.com/jordanhubbard/modelgate/internal/registry"
)

// Dependencies are the components the RPC handlers are wired against.
type Dependencies struct {
	Dispatcher *dispatcher.Dispatcher
	Registry   *registry.Registry
}

// queryRequest is the wire shape of ProcessQuery's input (§6).
type queryRequest struct {
	RequestID string            `json:"request_id"`
	Query     string            `json:"query"`
	Metadata  map[string]string `json:"metadata"`
}

// queryResponse is the wire shape of ProcessQuery's success output (§6).
type queryResponse struct {
	RequestID         string   `json:"request_id"`
	Response          string   `json:"response"`
	ComplexityScore   float64  `json:"complexity_score"`
	ComplexityFactors []string `json:"complexity_factors,omitempty"`
	ModelUsed         string   `json:"model_used"`
	Cost              float64  `json:"cost"`
	TokenUsage        int      `json:"token_usage,omitempty"`
	ProcessingTimeMs  int64    `json:"processing_time,omitempty"`
	IsBackup          bool     `json:"is_backup,omitempty"`
}

// errorResponse is the wire shape of a typed failure (§6: {code, message}).
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ProcessQueryHandler implements the ProcessQuery RPC (§6, §4.6).
func ProcessQueryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, gwerr.New(gwerr.InvalidRequest, "malformed JSON body: %v", err))
			return
		}

		resp, err := d.Dispatcher.ProcessQuery(r.Context(), dispatcher.Request{
			RequestID: req.RequestID,
			QueryText: req.Query,
			Metadata:  req.Metadata,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, queryResponse{
			RequestID:         resp.RequestID,
			Response:          resp.ResponseText,
			ComplexityScore:   resp.ComplexityScore,
			ComplexityFactors: resp.ComplexityFactors,
			ModelUsed:         resp.ModelUsed,
			Cost:              resp.ActualCost,
			TokenUsage:        resp.TokenUsage.Total,
			ProcessingTimeMs:  resp.ProcessingTimeMs,
			IsBackup:          resp.IsBackup,
		})
	}
}

// providerCapabilities is one entry of GetModelCapabilities' providers list.
type providerCapabilities struct {
	ProviderName string   `json:"provider_name"`
	Capabilities []string `json:"capabilities"`
}

// capabilitiesResponse is the wire shape of GetModelCapabilities (§6).
type capabilitiesResponse struct {
	Capabilities []string               `json:"capabilities"`
	Providers    []providerCapabilities `json:"providers"`
}

// GetModelCapabilitiesHandler implements the GetModelCapabilities RPC (§6):
// the union of capability tags over online providers.
func GetModelCapabilitiesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seen := make(map[string]bool)
		var union []string
		var providers []providerCapabilities

		for _, desc := range d.Registry.List() {
			if desc.Status != registry.StatusOnline {
				continue
			}
			providers = append(providers, providerCapabilities{
				ProviderName: desc.Name,
				Capabilities: desc.Capabilities,
			})
			for _, c := range desc.Capabilities {
				if !seen[c] {
					seen[c] = true
					union = append(union, c)
				}
			}
		}

		writeJSON(w, http.StatusOK, capabilitiesResponse{
			Capabilities: union,
			Providers:    providers,
		})
	}
}

// complexityRequest is the wire shape of EvaluateComplexity's input (§6).
// features is accepted for wire-compatibility but the evaluator is pure over
// query text alone (§4.3); a non-empty features map is ignored, not rejected.
type complexityRequest struct {
	Query    string            `json:"query"`
	Features map[string]string `json:"features,omitempty"`
}

// complexityResponse is the wire shape of EvaluateComplexity's output (§6).
type complexityResponse struct {
	ComplexityScore   float64  `json:"complexity_score"`
	ComplexityFactors []string `json:"complexity_factors"`
}

// EvaluateComplexityHandler implements the EvaluateComplexity RPC (§6).
// An empty query is rejected with INVALID_REQUEST: evaluate("") must never
// run (§8 round-trip property).
func EvaluateComplexityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req complexityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, gwerr.New(gwerr.InvalidRequest, "malformed JSON body: %v", err))
			return
		}
		if req.Query == "" {
			writeError(w, gwerr.New(gwerr.InvalidRequest, "query must not be empty"))
			return
		}

		result := complexity.Evaluate(req.Query)
		writeJSON(w, http.StatusOK, complexityResponse{
			ComplexityScore:   result.Score,
			ComplexityFactors: result.Factors,
		})
	}
}

// writeJSON encodes v as the response body, logging (not panicking) on a
// failed write — the client already has a status code by the time Encode
// could fail.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("rpcapi: failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError maps a gwerr.Code to its transport status (§7) and writes the
// typed {code, message} body (§6).
func writeError(w http.ResponseWriter, err error) {
	code := gwerr.Internal
	if ge, ok := gwerr.As(err); ok {
		code = ge.Code
	}
	msg := err.Error()
	if code == gwerr.Internal {
		msg = "internal error"
	}
	writeJSON(w, statusFor(code), errorResponse{Code: code.String(), Message: msg})
}

// statusFor maps the closed wire error taxonomy to HTTP status (§7).
func statusFor(code gwerr.Code) int {
	switch code {
	case gwerr.InvalidRequest:
		return http.StatusBadRequest
	case gwerr.ModelUnavailable:
		return http.StatusServiceUnavailable
	case gwerr.ComplexityEvaluationFailed:
		return http.StatusUnprocessableEntity
	case gwerr.CostLimitExceeded:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

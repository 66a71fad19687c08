// Package validator standardizes gateway requests and rejects malformed or
// unsafe inputs before they reach the dispatcher.
package validator

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jordanhubbard/modelgate/internal/gwerr"
)

const (
	minQueryLen = 1
	maxQueryLen = 10000
)

// unsafePatterns are case-insensitive substrings that mark a query as
// shell-injection-style and therefore unsafe to route to any adapter.
var unsafePatterns = []string{
	"exec(",
	"eval(",
	"system(",
}

// Request is the raw, caller-supplied query.
type Request struct {
	RequestID string
	QueryText string
	Metadata  map[string]string
}

// Normalized is a Request after validate_and_normalize has run: request_id is
// always present, metadata always non-nil and carries the derived
// queryLength/wordCount/timestamp fields.
type Normalized struct {
	RequestID string
	QueryText string
	Metadata  map[string]string
}

// ValidateAndNormalize implements §4.1: assigns a request id if absent,
// ensures metadata exists, injects derived fields, and rejects malformed or
// unsafe input.
func ValidateAndNormalize(req Request) (Normalized, error) {
	if req.QueryText == "" {
		return Normalized{}, gwerr.New(gwerr.InvalidRequest, "query_text must not be empty")
	}
	length := utf8.RuneCountInString(req.QueryText)
	if length < minQueryLen || length > maxQueryLen {
		return Normalized{}, gwerr.New(gwerr.InvalidRequest, "query_text length %d out of bounds [%d, %d]", length, minQueryLen, maxQueryLen)
	}

	lower := strings.ToLower(req.QueryText)
	for _, pat := range unsafePatterns {
		if strings.Contains(lower, pat) {
			return Normalized{}, gwerr.New(gwerr.InvalidRequest, "query_text contains unsafe content")
		}
	}

	meta := make(map[string]string, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		meta[k] = v
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	words := strings.Fields(req.QueryText)
	meta["queryLength"] = fmt.Sprintf("%d", length)
	meta["wordCount"] = fmt.Sprintf("%d", len(words))
	meta["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	return Normalized{
		RequestID: requestID,
		QueryText: req.QueryText,
		Metadata:  meta,
	}, nil
}

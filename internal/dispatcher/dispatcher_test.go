package dispatcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/modelgate/internal/adapter"
	"github.com/jordanhubbard/modelgate/internal/gwerr"
	"github.com/jordanhubbard/modelgate/internal/loadtracker"
	"github.com/jordanhubbard/modelgate/internal/registry"
	"github.com/jordanhubbard/modelgate/internal/router"
)

// mockSender is a scriptable adapter.Sender: each call consumes the next
// entry in calls, looping on the last entry once exhausted.
type mockSender struct {
	id    string
	calls []func() (adapter.Outcome, error)
	n     int
}

func (m *mockSender) ID() string { return m.id }

func (m *mockSender) Call(ctx context.Context, model string, query adapter.Query, opts adapter.Options) (adapter.Outcome, error) {
	idx := m.n
	if idx >= len(m.calls) {
		idx = len(m.calls) - 1
	}
	m.n++
	return m.calls[idx]()
}

func ok(text string) func() (adapter.Outcome, error) {
	return func() (adapter.Outcome, error) { return adapter.Outcome{Text: text}, nil }
}

func fails() func() (adapter.Outcome, error) {
	return func() (adapter.Outcome, error) { return adapter.Outcome{}, errors.New("provider unavailable") }
}

type recorded struct{ events []Event }

func (r *recorded) Record(e Event) { r.events = append(r.events, e) }

// longComplexQuery builds a synthetic query with >100 long words and a
// single terminating sentence, driving both the vocabulary and grammar
// complexity sub-scores to their maximum (score ~1.0, well above hi=0.7).
func longComplexQuery() string {
	return strings.Repeat("distributed consensus algorithms reconciliation implementation architecture ", 20) + "."
}

func newThreeTierFleet() (*registry.Registry, *loadtracker.Tracker) {
	reg := registry.New()
	reg.Load(
		registry.Descriptor{Name: "local-a", Status: registry.StatusOnline, SupportedTypes: []registry.ModelType{registry.Local}, MaxConcurrent: 4, BaseCost: 0.001, MaxCost: 1, CostEfficiency: 0.9},
		registry.Descriptor{Name: "hybrid-a", Status: registry.StatusOnline, SupportedTypes: []registry.ModelType{registry.Hybrid}, MaxConcurrent: 4, BaseCost: 0.01, MaxCost: 5, CostEfficiency: 0.7},
		registry.Descriptor{Name: "remote-a", Status: registry.StatusOnline, SupportedTypes: []registry.ModelType{registry.Remote}, MaxConcurrent: 4, BaseCost: 0.1, MaxCost: 50, CostEfficiency: 0.5},
		registry.Descriptor{Name: "remote-b", Status: registry.StatusOnline, SupportedTypes: []registry.ModelType{registry.Remote}, MaxConcurrent: 4, BaseCost: 0.1, MaxCost: 50, CostEfficiency: 0.4},
	)
	tr := loadtracker.New(func(name string) int {
		d, ok := reg.Get(name)
		if !ok {
			return 0
		}
		return d.MaxConcurrent
	})
	return reg, tr
}

func TestProcessQuery_LowComplexityRoutesLocal(t *testing.T) {
	reg, tr := newThreeTierFleet()
	r := router.New(reg, tr, 0.3, 0.7)
	senders := map[string]adapter.Sender{
		"local-a": &mockSender{id: "local-a", calls: []func() (adapter.Outcome, error){ok("local reply")}},
	}
	d := New(r, tr, senders, nil)

	resp, err := d.ProcessQuery(context.Background(), Request{RequestID: "r1", QueryText: "今天天气怎么样？"})
	require.NoError(t, err)
	assert.Equal(t, "local-a", resp.ModelUsed)
	assert.Greater(t, resp.ActualCost, 0.0)
	assert.NotEmpty(t, resp.ResponseText)
}

func TestProcessQuery_HighComplexityRoutesRemote(t *testing.T) {
	reg, tr := newThreeTierFleet()
	r := router.New(reg, tr, 0.3, 0.7)
	senders := map[string]adapter.Sender{
		"remote-a": &mockSender{id: "remote-a", calls: []func() (adapter.Outcome, error){ok("remote reply")}},
		"remote-b": &mockSender{id: "remote-b", calls: []func() (adapter.Outcome, error){ok("remote reply b")}},
	}
	d := New(r, tr, senders, nil)

	resp, err := d.ProcessQuery(context.Background(), Request{RequestID: "r2", QueryText: longComplexQuery()})
	require.NoError(t, err)
	assert.Contains(t, []string{"remote-a", "remote-b"}, resp.ModelUsed)
}

func TestProcessQuery_FallbackOnPrimaryFailure(t *testing.T) {
	reg := registry.New()
	reg.Load(
		registry.Descriptor{Name: "remote-a", Status: registry.StatusOnline, SupportedTypes: []registry.ModelType{registry.Remote}, MaxConcurrent: 4, BaseCost: 0.1, MaxCost: 50},
		registry.Descriptor{Name: "remote-b", Status: registry.StatusOnline, SupportedTypes: []registry.ModelType{registry.Remote}, MaxConcurrent: 4, BaseCost: 0.1, MaxCost: 50},
	)
	tr := loadtracker.New(func(string) int { return 4 })
	r := router.New(reg, tr, 0.3, 0.7)

	rec := &recorded{}
	senders := map[string]adapter.Sender{
		"remote-a": &mockSender{id: "remote-a", calls: []func() (adapter.Outcome, error){fails()}},
		"remote-b": &mockSender{id: "remote-b", calls: []func() (adapter.Outcome, error){ok("Backup model response from remote-b")}},
	}
	d := New(r, tr, senders, rec)

	resp, err := d.ProcessQuery(context.Background(), Request{RequestID: "r3", QueryText: longComplexQuery()})
	require.NoError(t, err)
	assert.Contains(t, resp.ResponseText, "Backup model")
	assert.Equal(t, 1, senders["remote-a"].(*mockSender).n)
	assert.Equal(t, 1, senders["remote-b"].(*mockSender).n)
	require.Len(t, rec.events, 1)
	assert.True(t, rec.events[0].Success)
}

func TestProcessQuery_AllProvidersFailReturnsModelUnavailable(t *testing.T) {
	reg := registry.New()
	reg.Load(registry.Descriptor{Name: "local-a", Status: registry.StatusOnline, SupportedTypes: []registry.ModelType{registry.Local}, MaxConcurrent: 4})
	tr := loadtracker.New(func(string) int { return 4 })
	r := router.New(reg, tr, 0.3, 0.7)
	senders := map[string]adapter.Sender{
		"local-a": &mockSender{id: "local-a", calls: []func() (adapter.Outcome, error){fails()}},
	}
	d := New(r, tr, senders, nil)

	_, err := d.ProcessQuery(context.Background(), Request{RequestID: "r4", QueryText: "simple"})
	require.Error(t, err)
	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerr.ModelUnavailable, ge.Code)
}

func TestProcessQuery_BudgetTooSmallReturnsCostLimitExceeded(t *testing.T) {
	reg, tr := newThreeTierFleet()
	r := router.New(reg, tr, 0.3, 0.7)
	d := New(r, tr, nil, nil)

	req := Request{
		RequestID: "r5",
		QueryText: longComplexQuery(),
		Metadata:  map[string]string{"budget": "0.0000001"},
	}
	_, err := d.ProcessQuery(context.Background(), req)
	require.Error(t, err)
	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerr.CostLimitExceeded, ge.Code)
}

func TestProcessQuery_UnsafeContentReturnsInvalidRequest(t *testing.T) {
	reg, tr := newThreeTierFleet()
	r := router.New(reg, tr, 0.3, 0.7)
	d := New(r, tr, nil, nil)

	_, err := d.ProcessQuery(context.Background(), Request{RequestID: "r6", QueryText: `exec("rm -rf /")`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsafe")
	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerr.InvalidRequest, ge.Code)
}

func TestProcessQuery_EndAlwaysPairsWithBegin(t *testing.T) {
	reg := registry.New()
	reg.Load(registry.Descriptor{Name: "local-a", Status: registry.StatusOnline, SupportedTypes: []registry.ModelType{registry.Local}, MaxConcurrent: 1})
	tr := loadtracker.New(func(string) int { return 1 })
	r := router.New(reg, tr, 0.3, 0.7)
	senders := map[string]adapter.Sender{
		"local-a": &mockSender{id: "local-a", calls: []func() (adapter.Outcome, error){ok("fine")}},
	}
	d := New(r, tr, senders, nil)

	_, err := d.ProcessQuery(context.Background(), Request{RequestID: "r7", QueryText: "short"})
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Inflight("local-a"))
}

func TestProcessQuery_FailureEmitsMetricsEvent(t *testing.T) {
	reg := registry.New()
	reg.Load(registry.Descriptor{Name: "local-a", Status: registry.StatusOnline, SupportedTypes: []registry.ModelType{registry.Local}, MaxConcurrent: 4})
	tr := loadtracker.New(func(string) int { return 4 })
	r := router.New(reg, tr, 0.3, 0.7)
	rec := &recorded{}
	senders := map[string]adapter.Sender{
		"local-a": &mockSender{id: "local-a", calls: []func() (adapter.Outcome, error){fails()}},
	}
	d := New(r, tr, senders, rec)

	_, err := d.ProcessQuery(context.Background(), Request{RequestID: "r8", QueryText: "short"})
	require.Error(t, err)
	require.Len(t, rec.events, 1)
	assert.False(t, rec.events[0].Success)
	assert.Equal(t, "MODEL_UNAVAILABLE", rec.events[0].FailureKind)
}

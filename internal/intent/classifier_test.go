package intent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/bizq/internal/engine"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	response string
	err      error
	delay    time.Duration
	calls    atomic.Int32
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func newTestClassifier(m *mockChatter) *Classifier {
	return NewClassifier(m, Options{Model: "test-model", Timeout: time.Second})
}

func TestClassify_OrderHistoryScenario(t *testing.T) {
	mock := &mockChatter{
		response: `{"category":"order_history","confidence":0.92,"parameters":{"time_period":"2/21/2025","status":"completed"}}`,
	}
	got := newTestClassifier(mock).Classify(context.Background(), "How many orders were completed on 2/21/2025?", "", true)

	want := Result{
		Input:      "How many orders were completed on 2/21/2025?",
		Category:   CategoryOrderHistory,
		Confidence: 0.92,
		Parameters: map[string]any{"time_period": "2025-02-21", "status": "completed"},
		Method:     MethodModel,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
	}
}

func TestClassify_CodeFencesAndDefaults(t *testing.T) {
	mock := &mockChatter{
		response: "Sure!\n```json\n{\"category\": \"Menu\"}\n```",
	}
	got := newTestClassifier(mock).Classify(context.Background(), "what drinks do you have", "", true)

	if got.Category != CategoryMenu {
		t.Errorf("Category = %q, want menu", got.Category)
	}
	if got.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want default 0.5", got.Confidence)
	}
	if got.Parameters == nil {
		t.Error("Parameters should default to an empty map")
	}
}

func TestClassify_UnknownCategoryCoerced(t *testing.T) {
	mock := &mockChatter{response: `{"category":"weather","confidence":1.7,"parameters":{}}`}
	got := newTestClassifier(mock).Classify(context.Background(), "is it raining", "", true)

	if got.Category != CategoryGeneral {
		t.Errorf("Category = %q, want general", got.Category)
	}
	if got.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped 1", got.Confidence)
	}
}

func TestClassify_ProviderErrorFallsBack(t *testing.T) {
	mock := &mockChatter{err: fmt.Errorf("connection refused")}
	got := newTestClassifier(mock).Classify(context.Background(), "show me the menu prices", "", true)

	if got.Method != MethodFallback {
		t.Errorf("Method = %q, want fallback", got.Method)
	}
	if got.Category != CategoryMenu {
		t.Errorf("Category = %q, want menu", got.Category)
	}
	if got.Confidence != FallbackConfidence || !got.NeedsClarification {
		t.Errorf("got confidence %v clarification %v, want 0.1 and true", got.Confidence, got.NeedsClarification)
	}
	if diff := cmp.Diff([]string{"unclear_intent"}, got.MissingParameters); diff != "" {
		t.Errorf("MissingParameters (-want +got):\n%s", diff)
	}
}

func TestClassify_TimeoutFallsBack(t *testing.T) {
	mock := &mockChatter{response: `{"category":"menu"}`, delay: 2 * time.Second}
	c := NewClassifier(mock, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	got := c.Classify(context.Background(), "list menu items", "", true)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Classify took %v, want bounded by timeout", elapsed)
	}
	if got.Method != MethodFallback {
		t.Errorf("Method = %q, want fallback", got.Method)
	}
}

func TestClassify_MalformedUsesHeuristic(t *testing.T) {
	mock := &mockChatter{response: `I think this is about the customer, or maybe the menu`}
	got := newTestClassifier(mock).Classify(context.Background(), "tell me about Ana", "", true)

	if !got.ParseError {
		t.Error("ParseError = false, want true")
	}
	if got.Category != CategoryCustomer {
		t.Errorf("Category = %q, want customer (first named in text)", got.Category)
	}
	if got.Confidence != FallbackConfidence {
		t.Errorf("Confidence = %v, want 0.1", got.Confidence)
	}
}

func TestClassify_CacheHit(t *testing.T) {
	mock := &mockChatter{response: `{"category":"menu","confidence":0.9,"parameters":{}}`}
	c := newTestClassifier(mock)

	first := c.Classify(context.Background(), "What is on the menu?", "", true)
	second := c.Classify(context.Background(), "  what is on the MENU?  ", "", true)

	if n := mock.calls.Load(); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
	if second.Method != MethodCached {
		t.Errorf("Method = %q, want cached", second.Method)
	}

	again := c.Classify(context.Background(), "What is on the menu?", "", true)
	again.Method = first.Method
	if diff := cmp.Diff(first, again); diff != "" {
		t.Errorf("cached result differs beyond Method (-want +got):\n%s", diff)
	}
}

func TestClassify_NoCacheAlwaysCallsProvider(t *testing.T) {
	mock := &mockChatter{response: `{"category":"menu","confidence":0.9,"parameters":{}}`}
	c := newTestClassifier(mock)

	for range 3 {
		c.Classify(context.Background(), "menu", "", false)
	}
	if n := mock.calls.Load(); n != 3 {
		t.Errorf("provider called %d times, want 3", n)
	}
	if got := c.Classify(context.Background(), "menu", "", true); got.Method != MethodCached {
		t.Errorf("use_cache=false should refresh the cache, got Method %q", got.Method)
	}
}

func TestClassify_FallbackNotCached(t *testing.T) {
	mock := &mockChatter{err: fmt.Errorf("down")}
	c := newTestClassifier(mock)

	c.Classify(context.Background(), "menu", "", true)
	got := c.Classify(context.Background(), "menu", "", true)

	if got.Method != MethodFallback {
		t.Errorf("Method = %q, want fallback", got.Method)
	}
	if n := mock.calls.Load(); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
}

func TestClassify_CachedCopyIsIndependent(t *testing.T) {
	mock := &mockChatter{response: `{"category":"order_history","confidence":0.9,"parameters":{"time_period":"today"}}`}
	c := newTestClassifier(mock)

	r := c.Classify(context.Background(), "orders today", "", true)
	r.Parameters["time_period"] = "mutated"

	again := c.Classify(context.Background(), "orders today", "", true)
	if again.StringParam("time_period") != "today" {
		t.Errorf("cache entry was mutated through a returned result: %v", again.Parameters)
	}
}

func TestClassify_CacheBoundedBySize(t *testing.T) {
	mock := &mockChatter{response: `{"category":"menu","confidence":0.9,"parameters":{}}`}
	c := NewClassifier(mock, Options{Timeout: time.Second, CacheSize: 1})

	c.Classify(context.Background(), "menu", "", true)
	c.Classify(context.Background(), "drinks", "", true)
	if got := c.Classify(context.Background(), "menu", "", true); got.Method == MethodCached {
		t.Error("least recently used entry should have been evicted")
	}
	if n := mock.calls.Load(); n != 3 {
		t.Errorf("provider called %d times, want 3", n)
	}
}

func TestClassify_CacheEntriesExpire(t *testing.T) {
	mock := &mockChatter{response: `{"category":"menu","confidence":0.9,"parameters":{}}`}
	c := NewClassifier(mock, Options{Timeout: time.Second, CacheTTL: 20 * time.Millisecond})

	c.Classify(context.Background(), "menu", "", true)
	time.Sleep(60 * time.Millisecond)
	if got := c.Classify(context.Background(), "menu", "", true); got.Method == MethodCached {
		t.Error("expired entry was served from the cache")
	}
	if n := mock.calls.Load(); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
}

func TestClassify_ConcurrentMissesCollapse(t *testing.T) {
	mock := &mockChatter{response: `{"category":"menu","confidence":0.9,"parameters":{}}`, delay: 100 * time.Millisecond}
	c := newTestClassifier(mock)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Classify(context.Background(), "menu please", "", true)
		}()
	}
	wg.Wait()

	if n := mock.calls.Load(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
}

func TestClassify_EmptyInput(t *testing.T) {
	mock := &mockChatter{response: `{"category":"menu"}`}
	got := newTestClassifier(mock).Classify(context.Background(), "   ", "", true)

	if got.Category != CategoryAmbiguous || !got.NeedsClarification {
		t.Errorf("got %+v, want ambiguous needing clarification", got)
	}
	if mock.calls.Load() != 0 {
		t.Error("provider should not be called for empty input")
	}
}

func TestClassify_LowConfidenceNeedsClarification(t *testing.T) {
	mock := &mockChatter{response: `{"category":"menu","confidence":0.2,"parameters":{}}`}
	got := newTestClassifier(mock).Classify(context.Background(), "hmm", "", true)

	if !got.NeedsClarification {
		t.Error("NeedsClarification = false, want true below threshold")
	}
	if diff := cmp.Diff([]string{"unclear_intent"}, got.MissingParameters); diff != "" {
		t.Errorf("MissingParameters (-want +got):\n%s", diff)
	}
}

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestModelDimensions_TextEmbedding3Small verifies 1536 dims for 3-small.
func TestModelDimensions_TextEmbedding3Small(t *testing.T) {
	d := modelDimensions("text-embedding-3-small")
	if d != 1536 {
		t.Errorf("text-embedding-3-small: expected 1536 dimensions, got %d", d)
	}
}

// TestModelDimensions_TextEmbedding3Large verifies 3072 dims for 3-large.
func TestModelDimensions_TextEmbedding3Large(t *testing.T) {
	d := modelDimensions("text-embedding-3-large")
	if d != 3072 {
		t.Errorf("text-embedding-3-large: expected 3072 dimensions, got %d", d)
	}
}

// TestModelDimensions_Ada002 verifies 1536 dims for ada-002.
func TestModelDimensions_Ada002(t *testing.T) {
	d := modelDimensions("text-embedding-ada-002")
	if d != 1536 {
		t.Errorf("text-embedding-ada-002: expected 1536 dimensions, got %d", d)
	}
}

// TestModelDimensions_Unknown verifies that unknown models return a positive default.
func TestModelDimensions_Unknown(t *testing.T) {
	d := modelDimensions("some-future-model")
	if d <= 0 {
		t.Errorf("unknown model: expected positive dimensions, got %d", d)
	}
}

// TestDimensions_MethodMatchesHelper verifies Provider.Dimensions() matches modelDimensions().
func TestDimensions_MethodMatchesHelper(t *testing.T) {
	cases := []string{
		"text-embedding-3-small",
		"text-embedding-3-large",
		"text-embedding-ada-002",
	}
	for _, model := range cases {
		p := &Provider{model: model}
		if got := p.Dimensions(); got != modelDimensions(model) {
			t.Errorf("model %s: Dimensions() = %d, want %d", model, got, modelDimensions(model))
		}
	}
}

// TestModelID verifies that ModelID returns the model string as-is.
func TestModelID(t *testing.T) {
	cases := []string{
		"text-embedding-3-small",
		"text-embedding-3-large",
		"text-embedding-ada-002",
		"my-custom-embeddings-model",
	}
	for _, model := range cases {
		p := &Provider{model: model}
		if got := p.ModelID(); got != model {
			t.Errorf("ModelID() = %q, want %q", got, model)
		}
	}
}

// TestNew_DefaultModel verifies that an empty model string defaults to text-embedding-3-small.
func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

// TestNew_MissingAPIKey checks that an empty API key is rejected.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "text-embedding-3-small")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_Options verifies that options are accepted without error.
func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "text-embedding-3-small",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

// TestFloat64ToFloat32 verifies the conversion helper.
func TestFloat64ToFloat32(t *testing.T) {
	in := []float64{1.0, 2.5, -0.5}
	out := float64ToFloat32(in)
	if len(out) != len(in) {
		t.Fatalf("expected %d elements, got %d", len(in), len(out))
	}
	for i, v := range out {
		expected := float32(in[i])
		if v != expected {
			t.Errorf("index %d: expected %v, got %v", i, expected, v)
		}
	}
}

// TestWithDimensions_OverridesTable verifies that a configured dimension wins
// over the model table and rejects negative values.
func TestWithDimensions_OverridesTable(t *testing.T) {
	p, err := New("sk-test", "text-embedding-3-small", WithDimensions(256))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 256 {
		t.Errorf("Dimensions() = %d, want 256", got)
	}
	if _, err := New("sk-test", "text-embedding-3-small", WithDimensions(-3)); err == nil {
		t.Error("expected error for negative dimensions")
	}
}

// TestEmbed_SendsDimensions runs Embed against a local OpenAI-compatible
// server and checks the request body and decoded vector.
func TestEmbed_SendsDimensions(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q, want /v1/embeddings", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [{"object": "embedding", "index": 0, "embedding": [0.5, -0.25, 1.0]}],
			"usage": {"prompt_tokens": 3, "total_tokens": 3}
		}`))
	}))
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL+"/v1/"), WithDimensions(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vec, err := p.Embed(context.Background(), "I'm at the Sheds")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.5, -0.25, 1.0}
	if len(vec) != len(want) {
		t.Fatalf("len = %d, want %d", len(vec), len(want))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, vec[i], want[i])
		}
	}
	if gotBody["dimensions"] != float64(3) {
		t.Errorf("dimensions in request = %v, want 3", gotBody["dimensions"])
	}
	if gotBody["input"] != "I'm at the Sheds" {
		t.Errorf("input in request = %v", gotBody["input"])
	}
}

package tokens

import (
	"testing"
)

func TestEstimator_CountText(t *testing.T) {
	e := NewEstimator()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short", "Hi", 1},
		{"sentence", "What products are in stock?", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.CountText("any", tt.text)
			if err != nil {
				t.Fatalf("CountText() error = %v", err)
			}
			if got.Tokens != tt.want {
				t.Errorf("CountText() = %d, want %d", got.Tokens, tt.want)
			}
			if !got.Estimated {
				t.Error("Estimator counts should be marked estimated")
			}
		})
	}
}

func TestTiktoken_CountText(t *testing.T) {
	c := NewTiktoken()

	tests := []struct {
		model string
		text  string
	}{
		{"gpt-4o", "SELECT * FROM Products"},
		{"gpt-4", "hello world"},
		{"gpt-5-mini", "Show me the product categories with the most items."},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := c.CountText(tt.model, tt.text)
			if err != nil {
				t.Fatalf("CountText() error = %v", err)
			}
			if got.Tokens <= 0 || got.Tokens > len(tt.text) {
				t.Errorf("CountText() = %d, want within (0, %d]", got.Tokens, len(tt.text))
			}
			if got.Estimated {
				t.Error("tiktoken counts should not be estimated")
			}
		})
	}
}

func TestTiktoken_SupportsModel(t *testing.T) {
	c := NewTiktoken()

	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o-mini", true},
		{"GPT-4", true},
		{"o3-mini", true},
		{"claude-sonnet-4-5", false},
		{"llama3", false},
	}
	for _, tt := range tests {
		if got := c.SupportsModel(tt.model); got != tt.want {
			t.Errorf("SupportsModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestRegistry_CountText(t *testing.T) {
	r := NewRegistry()

	exact := r.CountText("gpt-4o", "List all products")
	if exact.Estimated || exact.Tokens == 0 {
		t.Errorf("CountText(gpt-4o) = %+v, want exact non-zero", exact)
	}

	est := r.CountText("claude-sonnet-4-5", "List all products")
	if !est.Estimated {
		t.Errorf("CountText(claude) = %+v, want estimated", est)
	}
}

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		model  string
		want   string
		wantOK bool
	}{
		{"gpt-4o", "o200k_base", true},
		{"gpt-4.1-mini", "o200k_base", true},
		{"GPT-5", "o200k_base", true},
		{"gpt-4-turbo", "cl100k_base", true},
		{"gpt-3.5-turbo", "cl100k_base", true},
		{"claude-sonnet-4-5", "", false},
	}
	for _, tt := range tests {
		got, ok := encodingFor(tt.model)
		if string(got) != tt.want || ok != tt.wantOK {
			t.Errorf("encodingFor(%q) = %v, %v, want %v, %v", tt.model, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestTiktoken_UnknownModel(t *testing.T) {
	if _, err := NewTiktoken().CountText("llama3", "hi"); err == nil {
		t.Error("CountText() expected error for unknown model")
	}
}

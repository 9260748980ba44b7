package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/llm"
)

func TestOllamaClient_Available(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		want           bool
	}{
		{name: "server available", serverResponse: http.StatusOK, want: true},
		{name: "server unavailable", serverResponse: http.StatusServiceUnavailable, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/tags" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				w.WriteHeader(tt.serverResponse)
			}))
			defer server.Close()

			client := llm.NewOllamaClient(server.URL, "test-model", time.Second)
			got, err := client.Available(context.Background())
			if err != nil {
				t.Fatalf("Available() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Available() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOllamaClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req llm.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Stream {
			t.Errorf("expected non-streaming request")
		}
		if req.Model != "llama3.2:3b" {
			t.Errorf("unexpected model %q", req.Model)
		}
		if req.Options["temperature"] != 0.1 || req.Options["top_p"] != 0.9 {
			t.Errorf("unexpected options %v", req.Options)
		}
		json.NewEncoder(w).Encode(llm.GenerateResponse{Response: "# Insights\n\n- Turn off the hall light\n", Done: true})
	}))
	defer server.Close()

	client := llm.NewOllamaClient(server.URL+"/", "llama3.2:3b", time.Second)
	insights, err := client.AnalyzePatterns(context.Background(), "light.hall on 40 times")
	if err != nil {
		t.Fatalf("AnalyzePatterns() error = %v", err)
	}
	if len(insights) != 1 || insights[0] != "- Turn off the hall light" {
		t.Fatalf("unexpected insights %q", insights)
	}
}

func TestOllamaClient_GenerateErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := llm.NewOllamaClient(server.URL, "missing", time.Second)
	_, err := client.Generate(context.Background(), "", "hi")
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("expected status error, got %v", err)
	}

	down := llm.NewOllamaClient("http://127.0.0.1:1", "m", time.Second)
	if _, err := down.Generate(context.Background(), "", "hi"); !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSplitInsightsCapsAtTen(t *testing.T) {
	var b strings.Builder
	b.WriteString("## Summary\n")
	for i := 0; i < 15; i++ {
		b.WriteString("insight\n\n")
	}
	got := llm.SplitInsights(b.String())
	if len(got) != 10 {
		t.Fatalf("expected 10 insights, got %d", len(got))
	}
}

func TestOllamaClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req["model"] != "nomic-embed-text" || req["prompt"] != "hall light" {
			t.Errorf("unexpected request body %v", req)
		}
		w.Write([]byte(`{"embedding":[0.5,-1,2]}`))
	}))
	defer server.Close()

	client := llm.NewOllamaClient(server.URL, "llama3.1", time.Second).WithEmbedModel("nomic-embed-text")
	vec, err := client.Embed(context.Background(), "hall light")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[2] != 2 {
		t.Fatalf("unexpected embedding %v", vec)
	}

	noModel := llm.NewOllamaClient(server.URL, "llama3.1", time.Second)
	if _, err := noModel.Embed(context.Background(), "x"); !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable without embed model, got %v", err)
	}
}

func TestOllamaClient_ExtractEntities(t *testing.T) {
	answer := "```json\n" + `{"entities":[{"name":"motion_1","type":"binary_sensor"},{"name":"Hallway","type":"room"}],
"relationships":[{"source":"motion_1","target":"Hallway","type":"located_in"}]}` + "\n```"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llm.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !strings.Contains(req.System, "Return ONLY valid JSON") || !strings.Contains(req.Prompt, "motion_1 turned on") {
			t.Errorf("unexpected prompt %q / %q", req.System, req.Prompt)
		}
		json.NewEncoder(w).Encode(llm.GenerateResponse{Response: answer, Done: true})
	}))
	defer server.Close()

	client := llm.NewOllamaClient(server.URL, "llama3.1", time.Second)
	ex, err := client.ExtractEntities(context.Background(), "motion_1 turned on")
	if err != nil {
		t.Fatalf("ExtractEntities() error = %v", err)
	}
	if len(ex.Entities) != 2 || ex.Entities[1].Type != "room" {
		t.Fatalf("unexpected entities %+v", ex.Entities)
	}
	if len(ex.Relationships) != 1 || ex.Relationships[0].Target != "Hallway" {
		t.Fatalf("unexpected relationships %+v", ex.Relationships)
	}
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		entities int
		wantErr  bool
	}{
		{name: "plain json", text: `{"entities":[{"name":"a","type":"light"}]}`, entities: 1},
		{name: "bare fence", text: "```\n{\"entities\":[]}\n```", entities: 0},
		{name: "not json", text: "Sure! Here are the entities.", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := llm.ParseExtraction(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseExtraction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(ex.Entities) != tt.entities || ex.Relationships == nil {
				t.Fatalf("unexpected extraction %+v", ex)
			}
		})
	}
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaClient_GenerateStream(t *testing.T) {
	var gotReq ollamaRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		for _, text := range []string{"Bon", "jour"} {
			fmt.Fprintf(w, "{\"response\":%q,\"done\":false}\n", text)
		}
		fmt.Fprint(w, "{\"response\":\"\",\"done\":true,\"done_reason\":\"stop\"}\n")
	}))
	defer srv.Close()

	client := NewOllamaClient(WithBaseURL(srv.URL+"/"), WithModel("mistral:instruct"))
	stream, err := client.GenerateStream(context.Background(), "[INST] hi [/INST]", GenerateOptions{
		MaxNewTokens: 32, DoSample: true, Temperature: 0.5, TopP: 0.8, TopK: 7,
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	texts, err := collect(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(texts) != 2 || texts[0]+texts[1] != "Bonjour" {
		t.Errorf("unexpected tokens %v", texts)
	}

	if !gotReq.Raw || !gotReq.Stream || gotReq.Model != "mistral:instruct" {
		t.Errorf("unexpected request %+v", gotReq)
	}
	if gotReq.Options["num_predict"] != float64(32) || gotReq.Options["top_k"] != float64(7) {
		t.Errorf("unexpected options %v", gotReq.Options)
	}
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(WithBaseURL(srv.URL)).GenerateStream(context.Background(), "p", GenerateOptions{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "model 'nope' not found" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/knoguchi/instchat/internal/sse"
)

const (
	// DefaultTGIBaseURL is the hosted Inference API root.
	DefaultTGIBaseURL = "https://api-inference.huggingface.co/models/"

	// DefaultTGIModel is the instruct model whose chat template the prompt package emits.
	DefaultTGIModel = "mistralai/Mistral-7B-Instruct-v0.1"
)

// TGIClient streams generations from a Hugging Face text-generation-inference
// endpoint (self-hosted or the hosted Inference API).
type TGIClient struct {
	url        string
	token      string
	headers    map[string]string
	httpClient *http.Client
}

// TGIOption is a functional option for configuring TGIClient.
type TGIOption func(*TGIClient)

// WithEndpoint sets the full generation URL, e.g. a dedicated endpoint or
// "http://localhost:8080/generate_stream".
func WithEndpoint(url string) TGIOption {
	return func(c *TGIClient) {
		c.url = url
	}
}

// WithModelEndpoint points the client at the hosted Inference API for modelID.
func WithModelEndpoint(baseURL, modelID string) TGIOption {
	return func(c *TGIClient) {
		c.url = strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(modelID, "/")
	}
}

// WithToken sets the bearer token sent in the Authorization header.
func WithToken(token string) TGIOption {
	return func(c *TGIClient) {
		c.token = token
	}
}

// WithHeader adds an extra request header.
func WithHeader(key, value string) TGIOption {
	return func(c *TGIClient) {
		c.headers[key] = value
	}
}

// WithTGIHTTPClient sets a custom HTTP client.
func WithTGIHTTPClient(client *http.Client) TGIOption {
	return func(c *TGIClient) {
		c.httpClient = client
	}
}

// NewTGIClient creates a client for the default model unless overridden.
func NewTGIClient(opts ...TGIOption) *TGIClient {
	c := &TGIClient{
		url:     DefaultTGIBaseURL + DefaultTGIModel,
		headers: make(map[string]string),
		// No client timeout: generation length is bounded by max_new_tokens
		// and cancellation comes from the request context.
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name implements Provider.
func (c *TGIClient) Name() string {
	return "tgi"
}

type tgiParameters struct {
	MaxNewTokens int     `json:"max_new_tokens"`
	DoSample     bool    `json:"do_sample"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	TopK         int     `json:"top_k"`
}

type tgiRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters tgiParameters `json:"parameters"`
	Stream     bool          `json:"stream"`
}

type tgiToken struct {
	ID      int     `json:"id"`
	Text    string  `json:"text"`
	Logprob float64 `json:"logprob"`
	Special bool    `json:"special"`
}

// tgiStreamResponse is one "data:" payload of the generate_stream endpoint.
type tgiStreamResponse struct {
	Token         *tgiToken `json:"token"`
	GeneratedText *string   `json:"generated_text"`
	Error         string    `json:"error"`
	ErrorType     string    `json:"error_type"`
}

type tgiErrorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// GenerateStream implements Provider.
func (c *TGIClient) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (Stream, error) {
	body, err := json.Marshal(tgiRequest{
		Inputs: prompt,
		Parameters: tgiParameters{
			MaxNewTokens: opts.MaxNewTokens,
			DoSample:     opts.DoSample,
			Temperature:  opts.Temperature,
			TopP:         opts.TopP,
			TopK:         opts.TopK,
		},
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Provider: c.Name(), StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var parsed tgiErrorResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
			apiErr.Type = parsed.ErrorType
		}
		return nil, apiErr
	}

	return &tgiStream{body: resp.Body, events: sse.NewReader(resp.Body), provider: c.Name()}, nil
}

type tgiStream struct {
	body      io.ReadCloser
	events    *sse.Reader
	provider  string
	closeOnce sync.Once
}

func (s *tgiStream) Recv() (Token, error) {
	for {
		ev, err := s.events.Next()
		if err != nil {
			return Token{}, fmt.Errorf("reading stream: %w", err)
		}
		if ev == nil {
			return Token{}, io.EOF
		}
		if ev.Data == "" {
			continue
		}

		var payload tgiStreamResponse
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return Token{}, fmt.Errorf("parsing stream response: %w", err)
		}
		if payload.Error != "" {
			return Token{}, &APIError{Provider: s.provider, Type: payload.ErrorType, Message: payload.Error}
		}
		if payload.Token == nil {
			continue
		}

		return Token{
			ID:      payload.Token.ID,
			Text:    payload.Token.Text,
			Logprob: payload.Token.Logprob,
			Special: payload.Token.Special,
		}, nil
	}
}

func (s *tgiStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

// Ensure TGIClient implements Provider interface.
var _ Provider = (*TGIClient)(nil)

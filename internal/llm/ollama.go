package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API endpoint.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaModel is the default model. The prompt is sent raw, so the
	// model must understand the [INST] template.
	DefaultOllamaModel = "mistral"
)

// OllamaClient implements Provider using the Ollama generate API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	model      string
}

// OllamaOption is a functional option for configuring OllamaClient.
type OllamaOption func(*OllamaClient)

// WithBaseURL sets a custom base URL for the Ollama API.
func WithBaseURL(url string) OllamaOption {
	return func(c *OllamaClient) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OllamaOption {
	return func(c *OllamaClient) {
		c.httpClient = client
	}
}

// WithModel sets the model for the client.
func WithModel(model string) OllamaOption {
	return func(c *OllamaClient) {
		c.model = model
	}
}

// NewOllamaClient creates a new Ollama client with the given options.
func NewOllamaClient(opts ...OllamaOption) *OllamaClient {
	c := &OllamaClient{
		baseURL: DefaultOllamaBaseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for generation
		},
		model: DefaultOllamaModel,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name implements Provider.
func (c *OllamaClient) Name() string {
	return "ollama"
}

// ollamaRequest represents the request body for Ollama's generate API.
type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Raw     bool           `json:"raw"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// ollamaResponse represents one response object from Ollama's generate API.
type ollamaResponse struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Response   string    `json:"response"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
	EvalCount  int       `json:"eval_count,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// GenerateStream implements Provider. The response is newline-delimited JSON.
func (c *OllamaClient) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (Stream, error) {
	req, err := c.buildRequest(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	// Create a client without timeout for streaming (context handles cancellation)
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.apiError(resp)
	}

	return &ollamaStream{body: resp.Body, reader: bufio.NewReader(resp.Body), provider: c.Name()}, nil
}

func (c *OllamaClient) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{Provider: c.Name(), StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var parsed ollamaResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		apiErr.Message = parsed.Error
	}
	return apiErr
}

// buildRequest constructs the streaming request for the Ollama API.
func (c *OllamaClient) buildRequest(ctx context.Context, prompt string, opts GenerateOptions) (*http.Request, error) {
	reqBody := ollamaRequest{
		Model:  c.model,
		Prompt: prompt,
		Raw:    true,
		Stream: true,
	}

	options := make(map[string]any)
	if opts.DoSample {
		if opts.Temperature > 0 {
			options["temperature"] = opts.Temperature
		}
		if opts.TopP > 0 {
			options["top_p"] = opts.TopP
		}
		if opts.TopK > 0 {
			options["top_k"] = opts.TopK
		}
	} else {
		options["temperature"] = 0
	}
	if opts.MaxNewTokens > 0 {
		options["num_predict"] = opts.MaxNewTokens
	}
	reqBody.Options = options

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

type ollamaStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	provider  string
	done      bool
	closeOnce sync.Once
}

func (s *ollamaStream) Recv() (Token, error) {
	for {
		if s.done {
			return Token{}, io.EOF
		}

		line, err := s.reader.ReadBytes('\n')
		if err != nil && (err != io.EOF || len(bytes.TrimSpace(line)) == 0) {
			if err == io.EOF {
				return Token{}, io.EOF
			}
			return Token{}, fmt.Errorf("reading stream: %w", err)
		}

		// Skip empty lines
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var streamResp ollamaResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			return Token{}, fmt.Errorf("parsing stream response: %w", err)
		}
		if streamResp.Error != "" {
			return Token{}, &APIError{Provider: s.provider, Message: streamResp.Error}
		}

		s.done = streamResp.Done
		if streamResp.Response == "" {
			continue
		}
		return Token{Text: streamResp.Response}, nil
	}
}

func (s *ollamaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

// Ensure OllamaClient implements Provider interface.
var _ Provider = (*OllamaClient)(nil)

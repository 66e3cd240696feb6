package server

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/instchat/internal/chat"
	"github.com/knoguchi/instchat/internal/llm"
	"github.com/knoguchi/instchat/internal/prompt"
	"github.com/knoguchi/instchat/internal/relay"
)

// GenerateRequest is the body of a stateless generation, shared by the HTTP
// and gRPC transports. Omitted sampling fields take the chat defaults and an
// omitted system prompt takes the server's.
type GenerateRequest struct {
	Message      string        `json:"message"`
	History      []prompt.Turn `json:"history,omitempty"`
	SystemPrompt *string       `json:"system_prompt,omitempty"`
	relay.Sampling
}

// GenerateResponse carries the accumulated response text.
type GenerateResponse struct {
	Text string `json:"text"`
}

// MessageRequest is the body of a session message or retry.
type MessageRequest struct {
	Message string `json:"message"`
	relay.Sampling
}

// SessionResponse is returned when a session is created.
type SessionResponse struct {
	ID    string `json:"id"`
	Token string `json:"token,omitempty"`
}

// HistoryResponse carries a session transcript.
type HistoryResponse struct {
	ID      string        `json:"id,omitempty"`
	Message string        `json:"message,omitempty"`
	History []prompt.Turn `json:"history"`
}

// ErrorResponse is the JSON error body, also used as the SSE error event.
type ErrorResponse struct {
	Error          string `json:"error"`
	ProviderStatus int    `json:"provider_status,omitempty"`
	ProviderType   string `json:"provider_type,omitempty"`
}

func newErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		resp.ProviderStatus = apiErr.StatusCode
		resp.ProviderType = apiErr.Type
	}
	return resp
}

func (r *GenerateRequest) relayRequest(defaultSystemPrompt string) relay.Request {
	systemPrompt := defaultSystemPrompt
	if r.SystemPrompt != nil {
		systemPrompt = *r.SystemPrompt
	}
	return relay.Request{
		Message:      r.Message,
		History:      r.History,
		SystemPrompt: systemPrompt,
		Sampling:     r.Sampling,
	}
}

// withDefaults fills unset sampling fields.
func withDefaults(s relay.Sampling) relay.Sampling {
	d := chat.DefaultSampling()
	if s.MaxNewTokens == 0 {
		s.MaxNewTokens = d.MaxNewTokens
	}
	if s.Temperature == 0 {
		s.Temperature = d.Temperature
	}
	if s.TopP == 0 {
		s.TopP = d.TopP
	}
	if s.TopK == 0 {
		s.TopK = d.TopK
	}
	return s
}

// httpStatus maps service errors to HTTP status codes.
func httpStatus(err error) int {
	var apiErr *llm.APIError
	switch {
	case errors.Is(err, relay.ErrInvalidParameter), errors.Is(err, chat.ErrInputTooLong):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, chat.ErrSessionBusy), errors.Is(err, chat.ErrEmptyHistory):
		return http.StatusConflict
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// grpcError maps service errors to gRPC status errors.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var apiErr *llm.APIError
	switch {
	case errors.Is(err, relay.ErrInvalidParameter), errors.Is(err, chat.ErrInputTooLong):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, chat.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, chat.ErrBusy):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, chat.ErrSessionBusy), errors.Is(err, chat.ErrEmptyHistory):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &apiErr):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

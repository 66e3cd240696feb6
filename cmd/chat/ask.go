package main

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/knoguchi/instchat/internal/auth"
	"github.com/knoguchi/instchat/internal/chat"
	"github.com/knoguchi/instchat/internal/config"
	"github.com/knoguchi/instchat/internal/llm"
	"github.com/knoguchi/instchat/internal/prompt"
	"github.com/knoguchi/instchat/internal/relay"
	"github.com/knoguchi/instchat/internal/server"
)

var (
	askServer       string
	askAPIKey       string
	askSystemPrompt string
	askSampling     = chat.DefaultSampling()
)

func init() {
	f := askCmd.Flags()
	f.StringVar(&askServer, "server", "", "Address of a running chatd gRPC server (default: call the provider directly)")
	f.StringVar(&askAPIKey, "api-key", os.Getenv("API_KEY"), "API key for --server")
	f.StringVar(&askSystemPrompt, "system", chat.DefaultSystemPrompt, "System prompt")
	f.IntVar(&askSampling.MaxNewTokens, "max-new-tokens", askSampling.MaxNewTokens, "Maximum number of new tokens")
	f.Float64Var(&askSampling.Temperature, "temperature", askSampling.Temperature, "Sampling temperature")
	f.Float64Var(&askSampling.TopP, "top-p", askSampling.TopP, "Nucleus sampling probability mass")
	f.IntVar(&askSampling.TopK, "top-k", askSampling.TopK, "Number of highest probability tokens to keep")
	rootCmd.AddCommand(askCmd)
}

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Stream one answer to stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	message := strings.Join(args, " ")
	if err := chat.CheckInputLength(message, []prompt.Turn{{User: message}}); err != nil {
		return err
	}

	var (
		seq iter.Seq2[string, error]
		err error
	)
	if askServer != "" {
		seq, err = askRemote(ctx, message)
	} else {
		seq, err = askLocal(ctx, message)
	}
	if err != nil {
		return err
	}

	return printDeltas(cmd.OutOrStdout(), seq)
}

func askLocal(ctx context.Context, message string) (iter.Seq2[string, error], error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	provider, err := llm.New(llm.ProviderConfig{
		Provider:    cfg.Provider,
		Endpoint:    cfg.HFEndpointURL,
		BaseURL:     cfg.HFAPIURL,
		ModelID:     cfg.HFModelID,
		Token:       cfg.HFToken,
		OllamaURL:   cfg.OllamaURL,
		OllamaModel: cfg.OllamaModel,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("calling provider directly", "provider", provider.Name())

	r := relay.New(provider,
		relay.WithMaxNewTokens(cfg.MaxNewTokensCeiling),
		relay.WithLogger(slog.Default()),
	)
	return r.Generate(ctx, relay.Request{
		Message:      message,
		SystemPrompt: askSystemPrompt,
		Sampling:     askSampling,
	})
}

func askRemote(ctx context.Context, message string) (iter.Seq2[string, error], error) {
	conn, err := grpc.NewClient(askServer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", askServer, err)
	}
	slog.Debug("calling chatd", "server", askServer)

	if askAPIKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, auth.APIKeyHeader, askAPIKey)
	}

	seq, err := server.NewClient(conn).Generate(ctx, &server.GenerateRequest{
		Message:      message,
		SystemPrompt: &askSystemPrompt,
		Sampling:     askSampling,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	return func(yield func(string, error) bool) {
		defer conn.Close()
		for text, err := range seq {
			if !yield(text, err) {
				return
			}
		}
	}, nil
}

// printDeltas writes the part of each accumulated text not printed yet.
func printDeltas(w io.Writer, seq iter.Seq2[string, error]) error {
	printed := 0
	for text, err := range seq {
		if err != nil {
			fmt.Fprintln(w)
			return err
		}
		if len(text) > printed {
			if _, err := io.WriteString(w, text[printed:]); err != nil {
				return err
			}
			printed = len(text)
		}
	}
	fmt.Fprintln(w)
	return nil
}

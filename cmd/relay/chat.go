package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/abdhe/runpod-relay/pkg/proxy"
	"github.com/abdhe/runpod-relay/pkg/relay"
)

func newChatCommand() *cobra.Command {
	var (
		addr   string
		system string
	)
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one prompt to a running relay over gRPC and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var messages []relay.ChatMessage
			if system != "" {
				messages = append(messages, relay.ChatMessage{Role: "system", Content: system})
			}
			messages = append(messages, relay.ChatMessage{Role: "user", Content: strings.Join(args, " ")})
			return runChat(cmd.Context(), addr, messages, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "relay gRPC address")
	cmd.Flags().StringVar(&system, "system", "", "optional system message")
	return cmd
}

func runChat(ctx context.Context, addr string, messages []relay.ChatMessage, w io.Writer) error {
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()

	requestID := uuid.NewString()
	ctx = metadata.AppendToOutgoingContext(ctx, "x-request-id", requestID)

	stream, err := proxy.NewChatRelayClient(conn).Chat(ctx, messages)
	if err != nil {
		return errors.Wrap(err, "open chat stream")
	}
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			fmt.Fprintln(w)
			return nil
		}
		if err != nil {
			if header, herr := stream.Header(); herr == nil {
				if ids := header.Get("x-job-id"); len(ids) > 0 {
					fmt.Fprintf(os.Stderr, "job %s, request %s\n", ids[0], requestID)
				}
			}
			return errors.Wrap(err, "chat")
		}
		fmt.Fprint(w, msg.GetValue())
	}
}

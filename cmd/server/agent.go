package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/keysearch/internal/keywords"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

func init() {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve the local keyword extractor as a gRPC extraction agent",
		Args:  cobra.NoArgs,
		RunE:  runAgent,
	}
	cmd.Flags().String("listen", ":50051", "Address to listen on")
	cmd.Flags().Int("max-keywords", keywords.DefaultMaxKeywords, "Maximum keywords per question")
	rootCmd.AddCommand(cmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	maxKeywords, _ := cmd.Flags().GetInt("max-keywords")

	_, logger, err := loadConfig()
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}

	srv := grpc.NewServer()
	keywords.RegisterServer(srv, keywords.NewLocalExtractor(maxKeywords), logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("Stopping extraction agent")
		srv.GracefulStop()
	}()

	slog.Info("Extraction agent listening", "addr", lis.Addr().String(), "service", keywords.ServiceName)
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("serve extraction agent: %w", err)
	}
	return nil
}

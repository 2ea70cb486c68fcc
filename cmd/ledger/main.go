// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ledger runs the financial document analysis service.
//
//	ledger serve                  start the HTTP API
//	ledger analyze <file | ->     analyze one document and print the result
//	ledger config init [path]     write the default configuration
//	ledger version                print the build version
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianLedger/services/ledger/config"
	"github.com/AleutianAI/AleutianLedger/services/ledger/server"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
	outputJSON bool
	cacheCtx   string
	complexity string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledger",
		Short:         "Analyze financial documents with a cached task graph",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./ledger.yaml or ~/.aleutian/ledger.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze <file | ->",
		Short: "Analyze one document and print the result",
		Long: `Runs the full pipeline once against a JSON or text document.
Use "-" to read from stdin. On a terminal the result is summarized;
otherwise, or with --json, the full response is printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: runAnalyze,
	}
	analyzeCmd.Flags().BoolVar(&outputJSON, "json", false, "print the full JSON response")
	analyzeCmd.Flags().StringVar(&cacheCtx, "context", "cli", "cache context and confidence subject")
	analyzeCmd.Flags().StringVar(&complexity, "complexity", "standard", "document complexity: simple, standard, complex")

	configCmd := &cobra.Command{Use: "config", Short: "Manage configuration"}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FileName + ".yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ledger", version)
		},
	}

	root.AddCommand(serveCmd, analyzeCmd, configCmd, versionCmd)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(ctx); err != nil {
			slog.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	if configPath != "" {
		if err := config.Watch(ctx, configPath, a.logger.Logger, a.apply); err != nil {
			a.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	}

	srv := server.New(cfg.Server, a.pipeline, a.cache,
		server.WithGatherer(a.registry),
		server.WithLogger(a.logger.Logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return a.maintain(gctx) })
	return g.Wait()
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	doc, err := readDocument(r)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	resp := a.pipeline.Run(ctx, analyzeRequest(doc, cacheCtx, complexity))
	return writeResponse(cmd.OutOrStdout(), resp, outputJSON || !isTerminal(cmd.OutOrStdout()))
}

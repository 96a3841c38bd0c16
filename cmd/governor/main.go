// Copyright 2025 The Posture Governor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sec-posture/governor/pkg/config"
	"github.com/sec-posture/governor/pkg/governor"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/server"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "governor",
		Short: "Adaptive security posture governor",
		Long: "governor watches threat signals, keeps a graduated security level, " +
			"runs automated incident responses, and gates authentication by risk.",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governor and its HTTP API",
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cfgMgr := config.NewManager(cfg)
	if configPath != "" {
		if err := cfgMgr.Watch(configPath); err != nil {
			logger.Warn("config file watch unavailable", logger.Fields{
				Component: "main",
				Error:     err,
			})
		}
	}

	gov, err := governor.New(cfgMgr)
	if err != nil {
		return fmt.Errorf("build governor: %w", err)
	}
	gov.Start()
	defer gov.Stop()

	srv := server.New(gov, cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", logger.Fields{
			Component: "main",
			Reason:    sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

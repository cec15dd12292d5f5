/*
Copyright 2023-2024 SmartDC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/smartdc/vmapi/pkg/constants"
	"github.com/smartdc/vmapi/pkg/server"
	"github.com/smartdc/vmapi/pkg/store"
)

// main is the entry point to the server.
func main() {
	s := &server.Server{}
	s.AddFlags(pflag.CommandLine)

	pflag.Parse()

	// Get logging going first, log sinks will expect JSON formatted
	// output for everything.
	zapLog, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}

	logger := zapr.NewLogger(zapLog).WithName(constants.Application)
	s.Log = logger

	// Hello World!
	logger.Info("service starting", "application", constants.Application, "version", constants.Version, "revision", constants.Revision)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.SetupOpenTelemetry(ctx); err != nil {
		logger.Error(err, "opentelemetry setup failed")
		os.Exit(1)
	}

	httpServer, err := s.GetServer(ctx, store.NewMemoryBackend())
	if err != nil {
		logger.Error(err, "server setup failed")
		os.Exit(1)
	}

	go s.RunReconciler(ctx)

	go func() {
		<-ctx.Done()

		//nolint:contextcheck
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Error(err, "server shutdown failed")
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil {
		logger.Error(err, "server died unexpectedly")
	}
}

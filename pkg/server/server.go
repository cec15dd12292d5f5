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

// Package server assembles the service: collaborator clients, store,
// waitlist, dispatcher, reconciler and the HTTP router.
package server

import (
	"context"
	"net/http"

	chi "github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/smartdc/vmapi/pkg/clients"
	"github.com/smartdc/vmapi/pkg/reconciler"
	"github.com/smartdc/vmapi/pkg/server/handler"
	"github.com/smartdc/vmapi/pkg/server/middleware"
	"github.com/smartdc/vmapi/pkg/store"
	"github.com/smartdc/vmapi/pkg/validator"
	"github.com/smartdc/vmapi/pkg/waitlist"
	"github.com/smartdc/vmapi/pkg/workflow"
)

// Server owns the composition root.
type Server struct {
	// Options are server specific options e.g. listener address etc.
	Options Options

	// Log is the root logger.
	Log logr.Logger

	reconciler *reconciler.Reconciler
}

// AddFlags registers every option flag.
func (s *Server) AddFlags(flags *pflag.FlagSet) {
	s.Options.AddFlags(flags)
}

// SetupOpenTelemetry adds a span processor that will print root spans to
// the logs by default, and optionally ship the spans to an OTLP
// listener.
func (s *Server) SetupOpenTelemetry(ctx context.Context) error {
	otel.SetLogger(s.Log)

	opts := []trace.TracerProviderOption{
		trace.WithSpanProcessor(&middleware.LoggingSpanProcessor{Log: s.Log}),
	}

	if s.Options.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(s.Options.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)

		if err != nil {
			return err
		}

		opts = append(opts, trace.WithBatcher(exporter))
	}

	otel.SetTracerProvider(trace.NewTracerProvider(opts...))

	return nil
}

// GetServer assembles the component graph and returns the HTTP server.
// The store backend defaults to the in-process one; a real deployment
// points it at the external bucket store.
func (s *Server) GetServer(ctx context.Context, backend store.Backend) (*http.Server, error) {
	registry := prometheus.NewRegistry()

	vmStore, err := store.New(backend, s.Options.VMCacheSize)
	if err != nil {
		return nil, err
	}

	if err := vmStore.Setup(ctx); err != nil {
		return nil, err
	}

	collaborators := &clients.Collaborators{
		NAPI:   clients.NewNAPI(s.Options.NAPIEndpoint),
		CNAPI:  clients.NewCNAPI(s.Options.CNAPIEndpoint),
		FWAPI:  clients.NewFWAPI(s.Options.FWAPIEndpoint),
		IMGAPI: clients.NewIMGAPI(s.Options.IMGAPIEndpoint),
		PAPI:   clients.NewPAPI(s.Options.PAPIEndpoint),
		WFAPI:  clients.NewWFAPI(s.Options.WFAPIEndpoint),
		VOLAPI: clients.NewVOLAPI(s.Options.VOLAPIEndpoint),
		UFDS:   clients.NewUFDS(s.Options.UFDSEndpoint),
	}

	wl := waitlist.New(registry)

	dispatcher := workflow.NewDispatcher(vmStore, collaborators.WFAPI, wl, s.Options.TicketTTL, registry)

	nat := workflow.NewNATManager(vmStore, dispatcher, wl, workflow.NATConfig{
		OwnerUUID: s.Options.NATOwnerUUID,
		ImageUUID: s.Options.NATImageUUID,
		BillingID: s.Options.NATBillingID,
		RAM:       s.Options.NATRAM,
		TicketTTL: s.Options.TicketTTL,
	})

	s.reconciler = reconciler.New(vmStore, collaborators, wl, nat, s.Options.ReconcileInterval, registry)

	handlers := handler.New(vmStore, validator.New(collaborators), dispatcher, nat, wl, collaborators)

	router := chi.NewRouter()
	router.Use(middleware.Logger(s.Log))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestContext())
	router.Use(chimiddleware.Timeout(s.Options.RequestTimeout))
	router.NotFound(handler.NotFound)
	router.MethodNotAllowed(handler.MethodNotAllowed)

	router.Get("/ping", handlers.Ping)
	router.Get("/statuses", handlers.Statuses)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	router.Get("/vms", handlers.ListVMs)
	router.Head("/vms", handlers.ListVMs)
	router.Post("/vms", handlers.CreateVM)
	router.Get("/vms/{uuid}", handlers.GetVM)
	router.Post("/vms/{uuid}", handlers.ActionVM)
	router.Delete("/vms/{uuid}", handlers.DeleteVM)

	router.Get("/vms/{uuid}/tags", handlers.ListTags)
	router.Post("/vms/{uuid}/tags", handlers.AddTags)
	router.Put("/vms/{uuid}/tags", handlers.SetTags)
	router.Delete("/vms/{uuid}/tags", handlers.DeleteTags)
	router.Get("/vms/{uuid}/tags/{key}", handlers.GetTag)
	router.Delete("/vms/{uuid}/tags/{key}", handlers.DeleteTag)

	router.Get("/vms/{uuid}/jobs", handlers.ListVMJobs)
	router.Get("/vms/{uuid}/migration", handlers.GetMigration)
	router.Get("/vms/{uuid}/migration/progress", handlers.GetMigrationProgress)

	router.Get("/jobs", handlers.ListJobs)
	router.Get("/jobs/{uuid}", handlers.GetJob)
	router.Post("/jobs/{uuid}/cancel", handlers.CancelJob)

	server := &http.Server{
		Addr:              s.Options.ListenAddress,
		ReadTimeout:       s.Options.ReadTimeout,
		ReadHeaderTimeout: s.Options.ReadHeaderTimeout,
		WriteTimeout:      s.Options.WriteTimeout,
		Handler:           router,
	}

	return server, nil
}

// RunReconciler starts the job outcome poller; it returns when the
// context ends.
func (s *Server) RunReconciler(ctx context.Context) {
	s.reconciler.Run(ctx)
}

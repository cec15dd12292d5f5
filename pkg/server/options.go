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

package server

import (
	"time"

	"github.com/spf13/pflag"
)

// Options allows server options to be overridden.
type Options struct {
	// ListenAddress tells the server what to listen on, you shouldn't
	// need to change this, its already non-privileged and the default
	// should be modified to avoid clashes with other services e.g prometheus.
	ListenAddress string

	// ReadTimeout defines how long before we give up on the client,
	// this should be fairly short.
	ReadTimeout time.Duration

	// ReadHeaderTimeout defines how long before we give up on the client,
	// this should be fairly short.
	ReadHeaderTimeout time.Duration

	// WriteTimeout defines how long we take to respond before we give up.
	WriteTimeout time.Duration

	// RequestTimeout places a hard limit on all requests lengths.
	RequestTimeout time.Duration

	// OTLPEndpoint defines whether to ship spans to an OTLP consumer or
	// not, and where to send them to.
	OTLPEndpoint string

	// Collaborator endpoints.
	NAPIEndpoint   string
	CNAPIEndpoint  string
	FWAPIEndpoint  string
	IMGAPIEndpoint string
	PAPIEndpoint   string
	WFAPIEndpoint  string
	VOLAPIEndpoint string
	UFDSEndpoint   string

	// VMCacheSize bounds the in-process VM read cache.
	VMCacheSize int

	// TicketTTL bounds how long a waitlist ticket may stay active, so a
	// wedged workflow cannot serialize a VM forever.
	TicketTTL time.Duration

	// ReconcileInterval is the job poll period.
	ReconcileInterval time.Duration

	// NAT zone provisioning parameters.
	NATOwnerUUID string
	NATImageUUID string
	NATBillingID string
	NATRAM       int64
}

// AddFlags allows server options to be modified.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.ListenAddress, "server-listen-address", ":8080", "API listener address.")
	f.DurationVar(&o.ReadTimeout, "server-read-timeout", time.Second, "How long to wait for the client to send the request body.")
	f.DurationVar(&o.ReadHeaderTimeout, "server-read-header-timeout", time.Second, "How long to wait for the client to send headers.")
	f.DurationVar(&o.WriteTimeout, "server-write-timeout", 10*time.Second, "How long to wait for the API to respond to the client.")
	f.DurationVar(&o.RequestTimeout, "server-request-timeout", 30*time.Second, "How long to wait for a request to be serviced.")
	f.StringVar(&o.OTLPEndpoint, "otlp-endpoint", "", "An optional OTLP endpoint to ship spans to.")

	f.StringVar(&o.NAPIEndpoint, "napi-endpoint", "http://napi", "Network API endpoint.")
	f.StringVar(&o.CNAPIEndpoint, "cnapi-endpoint", "http://cnapi", "Compute node API endpoint.")
	f.StringVar(&o.FWAPIEndpoint, "fwapi-endpoint", "http://fwapi", "Firewall API endpoint.")
	f.StringVar(&o.IMGAPIEndpoint, "imgapi-endpoint", "http://imgapi", "Image API endpoint.")
	f.StringVar(&o.PAPIEndpoint, "papi-endpoint", "http://papi", "Package API endpoint.")
	f.StringVar(&o.WFAPIEndpoint, "wfapi-endpoint", "http://wfapi", "Workflow API endpoint.")
	f.StringVar(&o.VOLAPIEndpoint, "volapi-endpoint", "http://volapi", "Volume API endpoint.")
	f.StringVar(&o.UFDSEndpoint, "ufds-endpoint", "http://ufds", "Directory service endpoint.")

	f.IntVar(&o.VMCacheSize, "vm-cache-size", 1024, "Bound on the in-process VM read cache.")
	f.DurationVar(&o.TicketTTL, "ticket-ttl", 2*time.Hour, "How long a waitlist ticket may stay active.")
	f.DurationVar(&o.ReconcileInterval, "reconcile-interval", 5*time.Second, "How often to poll the workflow executor for job outcomes.")

	f.StringVar(&o.NATOwnerUUID, "nat-owner-uuid", "", "Operator account fabric NAT zones belong to.")
	f.StringVar(&o.NATImageUUID, "nat-image-uuid", "", "Image fabric NAT zones are provisioned from.")
	f.StringVar(&o.NATBillingID, "nat-billing-id", "", "Package fabric NAT zones are provisioned with.")
	f.Int64Var(&o.NATRAM, "nat-ram", 128, "RAM in MiB for fabric NAT zones.")
}

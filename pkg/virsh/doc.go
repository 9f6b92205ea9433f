// Copyright 2024 Alexandre Mahdhaoui
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

// Package virsh wraps the virsh command-line client.
//
// Every subcommand is executed through a runner.Runner, so the same Client
// works locally, behind sudo (see execcontext) or against a scripted fake in
// unit tests. Textual output is parsed by the pure Parse* functions:
//
//   - ParseDominfo and ParseNetInfo: "key: value" lines
//   - ParseVcpuinfo: one record per vCPU, closed by "CPU Affinity"
//   - ParseDomblklist: whitespace-separated columns after two header lines
//   - ParseThreadIDs: "thread_id=N" tokens of "info cpus"
//
// # Example Usage
//
//	c := virsh.New(runner.New(), virsh.WithURI("qemu:///system"))
//	state, err := c.DomState(ctx, "vm1")
//	if errors.Is(err, virsh.ErrDomainNotFound) {
//	    // domain doesn't exist
//	}
//
// # Connection URIs
//
// The empty URI targets the toolstack default. NormalizeConnectURI maps the
// "default" test parameter to it and canonicalizes everything else through
// "virsh uri".
package virsh

// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.
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

// Package slitscan implements an event-driven engine that verifies whether
// candidate network endpoints are open HTTP CONNECT proxies.
//
// For each candidate endpoint the engine dials out, issues a CONNECT request
// naming a callback address owned by the engine, and waits for the proxy to
// open a second, inbound connection to that callback. A one-time nonce is
// sent on the outbound socket and must arrive, unmodified, on the inbound
// one before the candidate is declared "discovered". The whole process runs
// on a single goroutine around one epoll instance; there is no background
// worker and no retry.
//
// The primary elements of interest are:
//
//  *  Engine, which owns the readiness loop, the registry, and the
//     candidate queue.
//
//  *  Registry, which indexes every live file descriptor by fd, source IP,
//     and nonce token.
//
//  *  Candidate, which tracks one endpoint's progress through the state
//     machine whose states are the CandidateState constants.
package slitscan

// Copyright 2015 Light Code Labs, LLC
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

package fcgi

import "sync/atomic"

// balancer selects among a fixed list of upstream addresses. Peer health
// tracking and SRV-record refresh are the surrounding proxy's job (named
// as "load-balancing peer selection" in the out-of-scope list); this is
// just enough to let a Transport be configured with more than one
// responder and spread load across them, following the usual
// roundRobin balancer (caddyhttp/fastcgi/fastcgi.go).
type balancer struct {
	addrs []string
	next  atomic.Uint64
}

func newBalancer(addrs []string) *balancer {
	return &balancer{addrs: addrs}
}

// pick returns the next upstream address in round-robin order.
func (b *balancer) pick() string {
	if len(b.addrs) == 1 {
		return b.addrs[0]
	}
	i := b.next.Add(1) - 1
	return b.addrs[i%uint64(len(b.addrs))]
}

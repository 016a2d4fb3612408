// Package offline implements the network-first offline controller. A
// Controller owns one cache generation: Install precaches a fixed asset set
// into it, Activate evicts every other generation and claims open clients,
// and Route answers each request from the network, falling back to the
// generation when the origin is unreachable. A Registration hosts the
// controllers, tracks client contexts and swaps in new deployments.
package offline

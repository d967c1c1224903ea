// Package prefetch holds responses the server sent ahead of the requests that would fetch them.
//
// An API reply may embed complete replies for other paths that the server expects the client to
// request next. A [Cache] keeps those keyed by their exact request path so the next request for
// that path can be answered without a round trip. Entries are only ever produced as a byproduct
// of real responses, so by default there is no TTL and no eviction: an entry lives until a newer
// response for the same path replaces it.
//
// The same Cache may safely be used from multiple goroutines.
package prefetch

// Package tmdb provides the TMDB search client used to enrich catalog hits.
//
// Responses are cached in a kv.Store under the literal request URL with a fixed
// TTL, and outbound requests can be rate limited. Failures that affect every
// lookup (transport errors, auth, throttling, server errors) are reported as
// unavailable collaborators; anything else concerns the single query.
package tmdb

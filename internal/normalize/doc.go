// Package normalize turns schema-drifting upstream JSON into canonical job
// facts: a state token, an error message, and result media URLs.
//
// Payloads are modelled as a recursive tagged Value. Every extractor is pure
// and deterministic; recursive scans carry an explicit depth counter and an
// identity-keyed visited set so shared or cyclic structures terminate.
package normalize

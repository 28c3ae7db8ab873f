// Package keypool holds the credential rotation pool: deduplicated entries
// with enablement and health, plus the persisted round-robin cursor into the
// enabled subset.
//
// The pool never advances the cursor on its own. The dispatcher walks a local
// copy across attempts and commits the final value once.
package keypool

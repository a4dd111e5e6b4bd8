// Package lock implements a mutual-exclusion lock coordinated through a
// shared key-value store.
//
// A Lock is bound to one key. Acquire writes a fresh random token under that
// key with set-if-absent semantics and retries with a backoff policy until
// it wins or its wait budget runs out. The winning token is the only proof
// of ownership: Release hands it back to the store, which deletes the key
// only if it still holds that exact token. The store's ttl bounds how long a
// crashed holder can block everyone else.
//
// A Lock keeps no state between calls and can be shared by any number of
// goroutines, as long as every Acquire/Release pair threads its own token.
//
// This is not a consensus protocol. Under store failover or replication lag
// two holders may briefly coexist; no fencing tokens are issued.
package lock

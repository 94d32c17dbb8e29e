// Package memory backs the storage interfaces with mutex-guarded maps.
//
// The store implements ClientStore, CodeStore, TokenStore, NonceStore, and
// UserStore in one type. Code consumption and refresh rotation use the same
// atomic check-and-mark semantics as the persistent backends, a background
// sweeper drops expired codes, tokens, and nonce records, and tokens can be
// encrypted at rest via an Encryptor.
//
// Nothing survives a restart. Use storage/redis or storage/postgres when
// persistence or multiple instances are needed.
//
//	store := memory.New()
//	defer store.Stop()
//
//	server, _ := oauth.NewServer(store, store, signer, config, logger)
package memory

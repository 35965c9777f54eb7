// Package persistence stores document state between server runs.
//
// The Extension loads a document's stored state when the server creates
// it, saves the state after changes (debounced per document), and saves
// once more when the last client leaves. State is the engine's full
// update encoding, so loading merges rather than overwrites.
//
// # Stores
//
// Several backends are provided:
//
//   - MemoryStore: in-process map, for tests and single-process demos
//   - SQLStore: any database/sql driver (PostgreSQL, MySQL, SQLite)
//   - RedisStore: Redis via github.com/go-redis/redis/v8
//   - S3Store: object storage via aws-sdk-go-v2
//
// # Usage
//
//	store := persistence.NewSQLStore(db, persistence.WithSQLDialect(persistence.DialectSQLite))
//	store.CreateTable(ctx)
//
//	ext, err := persistence.New(persistence.Config{Store: store})
//	srv, err := server.New(&server.Config{Extensions: []server.Extension{ext}})
package persistence

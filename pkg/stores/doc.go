// Package stores persists the script binding table.
//
// Three engine.BindingStore implementations are provided:
//   - PropertiesStore keeps the table in a Java-style properties file.
//   - SQLiteStore keeps every saved table as an immutable, versioned
//     snapshot in SQLite (WAL mode, embedded migrations).
//   - MemoryStore keeps the table in memory, for tests and embedding.
//
// Every store reads the whole table on Load and performs Update as a single
// read-modify-write while holding its write lock.
package stores

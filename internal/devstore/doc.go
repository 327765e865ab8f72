package devstore

// Package devstore is the device persistent store: durable string keys the
// coordinator writes after every mutation and reads back at startup.
//
// It currently supports:
//   - Serialized notification map / pending queue / pending operations
//   - Badge count and last-cleanup/last-sync timestamps

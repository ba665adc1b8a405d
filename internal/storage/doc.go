package storage

// Package storage persists campaigns and the data the engine reads around them.
//
// It covers:
//   - Campaign records, transition history and the per-cycle archive
//   - Cycle recipient sets and per-recipient outcomes (restart recovery)
//   - Contacts, message templates and read receipts (delivery history)
//
// Drivers: "memory", "sqlite" (modernc) and "postgres" (lib/pq).

// Package store keeps the ledger's durable state in SQLite: the audit log
// of notification records and the journal of inbound external events.
//
// Records are idempotent on their content-hash ID, so the emitter may
// publish a record twice. Journal rows are keyed by the bus's delivery ID;
// inserting a known ID reports the event as already seen.
//
// Reads order by seq, never by timestamp. Amounts are decimal strings and
// timestamps RFC 3339 text with nanoseconds, both UTC.
//
// The schema is a numbered list of embedded migrations. Open applies those
// above the database's user_version, one transaction each, and refuses a
// database migrated by a newer build.
package store

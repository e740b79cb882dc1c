// Package booksync keeps a book catalog replicated across an authoritative
// relational store and a secondary key/value store.
//
// Writes go through Service, which updates both stores, appends to the audit
// log and publishes domain events without letting cache or event failures
// reach the caller. Reconciler repairs drift between the stores in either
// direction, and Scheduler runs it on an interval or on demand.
//
// Store implementations live under repo/ (memory, postgres, dynamodb), the
// cache and trending leaderboard under cache/, and the event bus under events/.
package booksync

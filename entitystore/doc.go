// Package entitystore is the single source of truth for where each entity is right now.
//
// Upsert merges a Delta into a snapshot group by group: a supplied group replaces the whole
// group, it is never merged leaf by leaf, so values from an unrelated earlier message cannot
// survive next to newer ones. Every Upsert marks the entity connected. Nothing in this
// package clears the connected flag or removes a snapshot.
//
// Hydrate pre-creates disconnected snapshots from a reference inventory, keyed by DeriveID,
// and never overwrites an existing one.
//
// Reads return deep copies.
package entitystore

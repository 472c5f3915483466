// Package histstore is the history store of a multi-version storage engine:
// older versions of records, keyed by (table, record key, timestamp,
// counter), kept in an ordered structure beside the primary table.
//
// Entries of one record sort by ascending timestamp. A reader positions at
// the newest entry at or before its read timestamp with
// FindNearestAtOrBefore and, when that entry is a modify, walks toward
// older entries collecting deltas until it reaches a complete value. The
// Resolver does both and applies the deltas.
//
// Writes go through ApplyDirect and are visible to every reader as soon as
// they return.
//
// The ordered structure is pluggable; see the ordered package and its
// memtree, pebbletree, badgertree and bolttree backends.
package histstore

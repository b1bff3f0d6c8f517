// Package conflux maintains an incrementally updated code dependency graph
// and reports the conflicts a change introduces, refining them in three
// tiers and streaming every refinement to subscribed clients.
//
// # Pipeline
//
// Each file version flows through four stages:
//
//  1. Update: the content hash is compared with the last applied version of
//     the file in its lineage. Unchanged content stops here. Otherwise the
//     file is parsed with tree-sitter, diffed against its stored nodes and
//     edges, and the diff is committed in one transaction that also
//     maintains the reachability index.
//
//  2. Tier 1 (syntactic, inline, confidence 0.6): signature, visibility and
//     removal changes of the file's own symbols.
//
//  3. Tier 2 (semantic, confidence up to 0.9): each candidate is checked
//     against its direct dependents. Incompatible changes with dependents
//     become BreakingAPIChange or BrokenReference.
//
//  4. Tier 3 (graph impact, confidence up to 0.95): the transitive
//     dependents are streamed from the reachability index; conflicts that
//     reach a critical path become Critical.
//
// Tiers 2 and 3 run on a bounded worker pool. A newer version of a file
// cancels analysis of older ones, and the aggregator discards their late
// results, so every conflict only ever moves up in tier and confidence.
//
// # Usage
//
//	e, err := conflux.New(ctx, cfg)
//	if err != nil { ... }
//	defer e.Close()
//
//	res, err := e.Ingest(ctx, conflux.ChangeEvent{
//		Repository: "acme/shop",
//		Path:       "src/payment.rs",
//		Content:    src,
//		Version:    conflux.SourceVersion{Lineage: "main"},
//	})
//
//	sess, err := e.Hub().Subscribe(ctx, "acme/shop", -1, session.WebSocket)
//
// # Query API
//
// The [QueryBuilder] returned by [Engine.Query] reads the graph:
// [QueryBuilder.Dependencies], [QueryBuilder.Dependents],
// [QueryBuilder.Impact], [QueryBuilder.LeadsTo], [QueryBuilder.Lineage] and
// [QueryBuilder.Stats].
//
// # Notifications
//
// Subscribers receive CodeChangeDetected, GraphUpdate, ConflictUpdate,
// SessionProgress and Error messages over WebSocket, Server-Sent Events or
// polling (see internal/transport), resuming from a message timestamp after
// reconnecting.
package conflux

// Package harness runs multi-node pipeline scenarios written in YAML.
//
// Each scenario starts a set of nodes on an in-memory loopback network
// with a shared manual clock. Every node runs the full integrity pipeline
// over its own SQLite store and bbolt fetch cache.
//
// # Scenario Format
//
//	name: shared_note
//	description: "A note authored on alice is held and validated by bob"
//	nodes: [alice, bob]
//	apphost:                      # optional, defaults to accept
//	  kind: js
//	  file: validate.js           # relative to the scenario file
//	steps:
//	  - do: init
//	    node: alice
//	  - do: create
//	    node: alice
//	    as: note
//	    payload: hello
//	  - do: link
//	    node: alice
//	    base: note.entry
//	    target: note
//	    tag: likes
//	  - do: drain
//	  - do: receive               # a remote agent's ops delivered to bob
//	    node: bob
//	    from: mallory
//	    chain: link
//	    tag_size: 1001
//	  - do: tamper                # forged ops must be refused at intake
//	    node: bob
//	    from: mallory
//	    forge: signature
//	    expect_error: COUNTERFEIT
//	assertions:
//	  - type: validity
//	    node: bob
//	    ref: note
//	    expect: valid
//	  - type: warrant
//	    node: bob
//	    kind: invalid_action
//	    against: mallory
//
// # References
//
// A step's `as` names the action it authors. Later steps and assertions
// refer to "name" (the action hash), "name.entry" (its entry hash) or
// "agent:label" (a node or remote agent key).
//
// # Steps
//
//   - init, create, update, delete, link, unlink: author on a node's chain
//   - receive: deliver a remote agent's genesis, create, link or fork
//   - tamper: deliver forged ops (signature, entry_hash, claimed_hash)
//   - drain: run every node until a full round changes no store
//   - advance: move the shared clock
//
// # Assertion Types
//
//   - validity: aggregated validity of a named action (valid, rejected, unknown)
//   - entry: whether a named action's entry is readable
//   - links: exact number of live links at a base
//   - limbo_empty: no op is waiting in limbo
//   - warrant: warrants a node authored against an agent
//   - receipts: receipts a node received for a named action's ops
//
// # Deterministic Testing
//
// Keys derive from a fixed seed and node labels, the clock only moves on
// advance steps and result summaries carry no hashes, so summaries are
// compared against golden files with goldie.
package harness

// Package harness runs end-to-end scenarios against an in-memory store.
//
// A scenario seeds store state, optionally executes a retrieval plan
// against a scripted provider, performs reads, and asserts on the results.
// Every phase is deterministic (fixed clock, fixed run tokens), so a
// scenario always produces the same trace and traces can be compared
// against golden files.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: latest-wins
//	description: "Newer retrieval generations shadow older ones"
//	store:
//	  snapshots:
//	    - subject: app-1
//	      hash: aaaa...  # 64 hex chars
//	      slice: mode=window;channel=x
//	      anchor: 2024-03-01
//	      retrieved_at: 2024-03-10T10:00:00Z
//	      numerator: 10
//	      denominator: 100
//	      sample_size: 100
//	  links:
//	    - {seed_subject: app-1, seed_hash: aaaa..., target_subject: app-2, target_hash: bbbb...}
//	definitions:
//	  channel:
//	    dimension: channel
//	    versions:
//	      - {version: 1, effective: 2024-01-10T00:00:00Z, values: [x, y]}
//	plan:
//	  entries: [...]          # optional retrieval phase
//	  provider:
//	    responses: [...]
//	    rate_limits: [...]
//	reads:
//	  - resolve: {subject: app-1, hash: aaaa..., as_of: 2024-03-10T13:00:00Z}
//	  - aggregate: {subject: app-1, hash: aaaa..., definition_id: channel}
//	assertions:
//	  - {type: row_count, read: 0, count: 2}
//	  - {type: day_total, read: 1, anchor: 2024-03-01, numerator: 32}
//
// # Assertion Types
//
//   - row_count: a resolve/raw read returned exactly N rows
//   - rows_contain: a resolve/raw read contains a row matching the given fields
//   - stamp_shared: every row of a read carries one retrieval stamp
//   - day_total: an aggregate read summed a day to the given totals
//   - refused: an aggregate read refused a day with the given code
//   - error_is: the run phase or a read failed with a matching message
//
// # Determinism
//
// The plan phase runs with a frozen deterministic clock (scenario.plan.clock,
// default 2024-03-15T09:00:00Z) and fixed run tokens ("run-1"), and the
// scripted provider replays responses from the scenario. Reads are fully
// ordered, so the rendered trace is byte-stable across runs. Scenarios with
// golden: true additionally pin their trace under testdata/golden.
package harness

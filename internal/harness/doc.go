// Package harness runs multi-site convergence scenarios against real kernels.
//
// Each site in a scenario gets its own kernel.Kernel with an in-memory SQLite
// checkpoint store, attached to a shared syncwire.Loopback bus. Nothing is
// delivered until a step asks for it, so a scenario controls message order
// exactly and every run is reproducible.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: concurrent_add_and_describe
//	description: "Concurrent edits converge whatever the delivery order"
//	artifact: fm1
//	sites: [A, B]
//	seed: models/car          # optional CUE seed, committed by the first site
//	steps:
//	  - run:
//	      site: A
//	      ops:
//	        - kind: AddFeature
//	          payload: {id: F1, parent: root, name: F1}
//	  - deliver: {from: A, to: B, order: reverse}
//	  - deliver: {from: A, to: B, indices: [0, 1, 4]}
//	  - check:
//	      - {type: buffered, site: B, count: 1}
//	  - outage: {site: A, down: true}
//	  - reconnect: A
//	  - receive: {site: B, message: '{"type":"bogus"}', expect_error: VALIDATION_FAILED}
//	  - settle: {}
//	assertions:
//	  - type: converged
//	  - type: feature
//	    site: B
//	    id: F1
//	    expect: {name: F1, parent: root}
//
// # Step Types
//
//   - run: one kernel run at a site; expect_error names the error code the
//     run must fail with
//   - deliver: hand one site's queued messages from another site over, in
//     fifo or reverse order or by explicit indices (unlisted messages stay
//     queued)
//   - settle: deliver everything between every pair of sites until no
//     messages remain
//   - outage: take a site's transport down or bring it back
//   - reconnect: run anti-entropy at a site (sync_request, then flush)
//   - receive: inject a raw message at a site
//   - check: evaluate assertions mid-scenario
//
// # Assertion Types
//
//   - converged: every site holds a byte-identical document
//   - valid: every site's document satisfies the tree invariants
//   - feature / absent: a feature exists with the expected fields, or not
//   - children: a feature's children in order
//   - constraint_count, buffered, log_length, undelivered: counters at a site
//   - restorable: each site's checkpoint restores to the live document
//
// Golden files capture the step trace, the per-site digests and the final
// document; see RunWithGolden.
package harness

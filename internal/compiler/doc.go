// Package compiler turns CUE feature-model seed files into edit proposals.
//
// A seed describes a complete feature tree under a top-level `model` field:
//
//	model: {
//		name:        "Car"
//		description: "Configurable car"
//		features: {
//			Engine: {
//				mandatory: true
//				group:     "alternative"
//				features: {
//					Gas: {}
//					Electric: {name: "Electric motor"}
//				}
//			}
//			Battery: {}
//		}
//		constraints: {
//			needs_battery: {kind: "requires", from: "Electric", to: "Battery"}
//		}
//	}
//
// Feature ids are the CUE labels and must be unique across the tree. The
// compiled Model renders as an ordered list of Proposals that a single kernel
// run applies to an empty document: root edits first, then features in
// preorder, then constraints. Uses the CUE SDK's Go API directly (not a CLI
// subprocess).
package compiler

// Package runner drives tasks through their lifecycle. It records timings,
// loops over samples with distinct seeds, moves outputs into storage,
// persists progress and settles the ledger when a task ends short of
// completion.
package runner

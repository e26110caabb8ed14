// Package engine is the submission boundary of kiln. It validates and
// prices task requests, charges the caller's ledger, persists the task and
// hands it to the tool's backend. Cancellation and webhook updates from
// remote backends enter through it as well.
package engine

// Package hub fans coordinator state changes out to connected observers.
//
// Every observer gets its own buffered queue drained by a single goroutine, so
// messages reach a given observer in publish order and a slow observer never
// holds up the others. An observer whose queue fills is dropped; it catches up
// from the connection:status snapshot it receives when it joins again.
package hub

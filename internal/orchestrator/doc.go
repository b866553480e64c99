// Package orchestrator decides who answers each inbound message batch.
//
// # State machine
//
// A conversation session is either AUTOMATED or HUMAN. Sessions start
// AUTOMATED on first message. The machine moves AUTOMATED -> HUMAN when the
// automated handler reports a hand-off; it never moves back on its own;
// only an explicit external call to ReturnToAutomated does. Ended sessions
// are terminal and retained for audit.
//
// Out-of-hours batches get a third effective behavior that is not a stored
// state: the configured notice is sent and the session is left untouched.
// The check runs fresh on every batch.
//
// # Pipeline
//
// Every grouped batch runs through: (a) business-hours check, (b) current
// session state, (c) if HUMAN, notify the attendant UI and stop, (d) if
// AUTOMATED, resolve media to text, persist, invoke the automated handler,
// and act on its verdict (reply, hand-off, or data collection prompt).
//
// All side effects go through the collaborator interfaces; this package does
// no transport I/O. A collaborator failure is logged and answered with a
// generic fallback reply, never silence and never a crash.
package orchestrator

// Package debounce coalesces message bursts before downstream processing.
//
// People often send a thought as several rapid messages. Processing each one
// individually produces fragmented replies, so inbound messages are buffered
// per (sender, channel) and emitted as one ordered group once the sender goes
// quiet, with size and age caps so a steady stream cannot stall forever.
//
// This is debounce, not fixed-window batching: every new message from the
// same sender resets that sender's timer. Senders are fully independent and
// their groups flush concurrently.
package debounce

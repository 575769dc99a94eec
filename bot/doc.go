// Package bot sits behind the chat ingestion loop: Processor answers "?c"
// word-count lookups and "#..." table commands, Supervisor owns the
// operational pause (goodbye message, alert, restart, terminate), and
// Watchdog and Console drive it from memory samples and stdin.
package bot

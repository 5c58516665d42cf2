package game

// MaxChunk bounds a single output event.
const MaxChunk = 20 * 1024

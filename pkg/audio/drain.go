package audio

// Drain reads from ch until it is closed, discarding every value. Teardown
// paths use it so a producer blocked on a full channel can observe close.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

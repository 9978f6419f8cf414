package chat

// Key derives the deterministic conversation key for a two-party
// conversation. Both participants compute the same key regardless of
// argument order.
func Key(a, b string) string {
	if a > b {
		return a + "_" + b
	}
	return b + "_" + a
}

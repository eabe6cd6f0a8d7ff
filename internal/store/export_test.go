package store

func init() {
	scryptParams = func() (N, r, p int) { return 1 << 10, 8, 1 }
}

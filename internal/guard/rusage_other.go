//go:build !unix

package guard

type RusageSampler struct{}

func (RusageSampler) Sample() (uint64, bool) {
	return 0, false
}

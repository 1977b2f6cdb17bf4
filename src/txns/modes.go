package txns

type taggedType[T any] struct{ v T } // this trick forbids casting one lock mode to another

type PageLockMode taggedType[uint8]

var (
	PageLockShared    PageLockMode = PageLockMode{0}
	PageLockExclusive PageLockMode = PageLockMode{1}
)

// Compatible reports whether a page may be held in mode m by one
// transaction and in mode other by another at the same time.
func (m PageLockMode) Compatible(other PageLockMode) bool {
	return m == PageLockShared && other == PageLockShared
}

// Covers reports whether holding m already satisfies a request for want.
func (m PageLockMode) Covers(want PageLockMode) bool {
	return m == PageLockExclusive || want == PageLockShared
}

func (m PageLockMode) Upgradable(to PageLockMode) bool {
	switch m {
	case PageLockShared:
		return true
	case PageLockExclusive:
		return to == PageLockExclusive
	}
	return false
}

func (m PageLockMode) String() string {
	switch m {
	case PageLockShared:
		return "SHARED"
	case PageLockExclusive:
		return "EXCLUSIVE"
	}
	return "UNKNOWN"
}

package txns

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageLockModeCompatibility(t *testing.T) {
	assert.True(t, PageLockShared.Compatible(PageLockShared))
	assert.False(t, PageLockShared.Compatible(PageLockExclusive))
	assert.False(t, PageLockExclusive.Compatible(PageLockShared))
	assert.False(t, PageLockExclusive.Compatible(PageLockExclusive))
}

func TestPageLockModeCovers(t *testing.T) {
	assert.True(t, PageLockShared.Covers(PageLockShared))
	assert.False(t, PageLockShared.Covers(PageLockExclusive))
	assert.True(t, PageLockExclusive.Covers(PageLockShared))
	assert.True(t, PageLockExclusive.Covers(PageLockExclusive))

	assert.True(t, PageLockShared.Upgradable(PageLockExclusive))
	assert.False(t, PageLockExclusive.Upgradable(PageLockShared))
}

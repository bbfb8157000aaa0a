package addressing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddrRoundTrip(t *testing.T) {
	table := NewTable([]LinkAddr{0x10, 0x20, 0x30})

	addr, err := table.Addr(1)
	assert.NoError(t, err)
	assert.Equal(t, LinkAddr(0x10), addr)

	addr, err = table.Addr(3)
	assert.NoError(t, err)
	assert.Equal(t, LinkAddr(0x30), addr)
}

func TestAddrOutOfRange(t *testing.T) {
	table := NewTable([]LinkAddr{0x10, 0x20})

	_, err := table.Addr(0)
	assert.Error(t, err)
	var badId *BadBoardId
	assert.ErrorAs(t, err, &badId)

	_, err = table.Addr(3)
	assert.Error(t, err)
}

func TestAddrLen(t *testing.T) {
	table := NewTable([]LinkAddr{0x1, 0x2, 0x3, 0x4})
	assert.Equal(t, 4, table.Len())
}

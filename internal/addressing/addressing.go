// Package addressing maps logical board numbers onto link-layer radio
// addresses through a fixed, statically-configured table.
package addressing

import "fmt"

// BoardId is a logical board number in [1, N].
type BoardId uint8

// LinkAddr is the link-layer address a BoardId resolves to.
type LinkAddr uint16

// BadBoardId is returned when a board number falls outside the configured
// table's range.
type BadBoardId struct {
	BoardNum int
	TableLen int
}

func (e *BadBoardId) Error() string {
	return fmt.Sprintf("board id %d out of range [1, %d]", e.BoardNum, e.TableLen)
}

// Table is a fixed, 1-indexed board-number -> link-address map. Entry i of
// Addrs holds the address for board number i+1 (board_ids[board_num-1]).
type Table struct {
	Addrs []LinkAddr
}

// NewTable builds a Table from an ordered list of addresses, one per board
// number starting at 1.
func NewTable(addrs []LinkAddr) *Table {
	cp := make([]LinkAddr, len(addrs))
	copy(cp, addrs)
	return &Table{Addrs: cp}
}

// Len returns the number of boards known to the table.
func (t *Table) Len() int {
	return len(t.Addrs)
}

// Addr resolves a board number to its link-layer address.
func (t *Table) Addr(boardNum BoardId) (LinkAddr, error) {
	if int(boardNum) < 1 || int(boardNum) > len(t.Addrs) {
		return 0, &BadBoardId{BoardNum: int(boardNum), TableLen: len(t.Addrs)}
	}
	return t.Addrs[boardNum-1], nil
}

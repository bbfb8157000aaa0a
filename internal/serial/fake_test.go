package serial

import (
	"io"
	"net"
)

// pipePort adapts a net.Conn (from net.Pipe) to the Port interface for
// in-memory tests, standing in for a real serial cable with two distinct
// ends: the board side and a stub "companion computer" side.
type pipePort struct {
	net.Conn
}

func newPipePorts() (board Port, companion Port) {
	a, b := net.Pipe()
	return pipePort{a}, pipePort{b}
}

var _ io.ReadWriteCloser = pipePort{}

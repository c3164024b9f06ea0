package transport

import (
	"context"
	"runtime"
	"syscall"
)

// reuseAddrControl sets SO_REUSEADDR (and SO_REUSEPORT where available) on
// the listening socket before bind, so multiple receiver processes on one
// host can all join the same multicast port — grounded on the pack's
// mcast.NewReceiver, which sets up the same net.ListenConfig.Control.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
			ctrlErr = e
			return
		}
		if runtime.GOOS != "windows" {
			if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEPORT, 1); e != nil {
				ctrlErr = e
			}
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

func listenContext() context.Context { return context.Background() }

// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshserver

import (
	"net"
	"sync"
)

// sshServerListener lets the server wait until its accept loop has started
// before closing the listener. Closing earlier races with the first call to
// Accept, and in tests the loop can then block on a listener that nobody
// will close again.
//
// Receive from closeAllowed before closing; it is closed on the first
// call to Accept.
type sshServerListener struct {
	net.Listener

	closeAllowed chan struct{}
	once         *sync.Once
}

// newSSHServerListener wraps l, returning the listener and its closeAllowed
// channel.
func newSSHServerListener(l net.Listener) (sshServerListener, <-chan struct{}) {
	c := make(chan struct{})
	return sshServerListener{
		Listener:     l,
		closeAllowed: c,
		once:         &sync.Once{},
	}, c
}

// Accept signals that closing is now safe, then accepts from the wrapped
// listener.
func (l sshServerListener) Accept() (net.Conn, error) {
	l.once.Do(func() {
		close(l.closeAllowed)
	})
	return l.Listener.Accept()
}

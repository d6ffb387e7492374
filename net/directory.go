package net

import "context"

// Directory is the master-server listing the server announces itself to.
// Announce runs on a helper goroutine; Withdraw runs inside Server.Close.
type Directory interface {
	Announce(ctx context.Context, addr string, info ServerInfo) error
	Withdraw(ctx context.Context) error
}

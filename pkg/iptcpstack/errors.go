package iptcpstack

import "github.com/pkg/errors"

var (
	ErrAddrInUse         = errors.New("address already in use")
	ErrStreamTerminated  = errors.New("stream was terminated unexpectedly")
	ErrWouldBlock        = errors.New("operation would block")
	ErrConnectionAborted = errors.New("connection aborted")
	ErrPendingAborted    = errors.New("pending connections aborted")
	ErrInterfaceClosed   = errors.New("interface closed")
	ErrWriteShutdown     = errors.New("write side shut down")
	ErrProtocolViolation = errors.New("tcp protocol violation")
)

package horde

import "errors"

var (
	ErrNotFound            = errors.New("horde: slave not found")
	ErrSpawnTimeout        = errors.New("horde: settings of spawned slave never appeared")
	ErrConnect             = errors.New("horde: connection failed")
	ErrRouting             = errors.New("horde: no route to destination")
	ErrDuplicateRoutingKey = errors.New("horde: routing key already in use")
	ErrSlaveStopped        = errors.New("horde: slave stopped")
	ErrNoHostBinary        = errors.New("horde: no host binary to spawn")
)

//go:build !sqlite
// +build !sqlite

package registry

import (
	"errors"

	logx "relaybot/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Registry, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite driver not built (build with -tags sqlite)")
}

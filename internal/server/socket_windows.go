//go:build windows

package server

import "github.com/warpdl/warpvault/common"

func pipePath() string {
	return common.PipePath()
}

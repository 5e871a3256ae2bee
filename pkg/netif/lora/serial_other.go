//go:build !linux

package lora

import (
	"errors"
	"io"
)

func openSerial(string) (io.ReadWriteCloser, error) {
	return nil, errors.New("serial devices are only supported on linux")
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

package sink

import (
	"os"

	"golang.org/x/sys/unix"
)

// pipeWriteSize consulta o tamanho do buffer do pipe no kernel (o write
// unit ótimo). Retorna 0 quando o fd não é um pipe ou o fcntl falha.
func pipeWriteSize(f *os.File) int {
	fi, err := f.Stat()
	if err != nil || fi.Mode()&os.ModeNamedPipe == 0 {
		return 0
	}
	size, err := unix.FcntlInt(f.Fd(), unix.F_GETPIPE_SZ, 0)
	if err != nil {
		return 0
	}
	return size
}

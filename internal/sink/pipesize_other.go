// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build !linux

package sink

import "os"

func pipeWriteSize(f *os.File) int {
	return 0
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package utils

import "time"

// Backoff returns the delay to wait after the given failed attempt
// (0-based): base*2, base*4, base*8, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i <= attempt; i++ {
		d *= 2
	}
	return d
}

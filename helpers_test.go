package dashsync

import "time"

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func intp(n int) *int { return &n }

func strp(s string) *string { return &s }

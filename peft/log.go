package peft

import "github.com/rs/zerolog"

var zlog = zerolog.Nop()

// SetLogger installs a structured logger used for warnings about ignored inputs.
func SetLogger(l zerolog.Logger) { zlog = l }

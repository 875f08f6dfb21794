package mqhost

import "errors"

// ErrInvalidSettings is returned when settings fail validation
var ErrInvalidSettings = errors.New("mqhost: invalid settings")

package token

import "errors"

// ErrHMACKeyTooShort is returned by NewDigester when a key is set but under the minimum.
var ErrHMACKeyTooShort = errors.New("token HMAC key too short")

package domain

import "time"

const (
	// CodeLength is the number of digits in a transfer code.
	CodeLength = 6

	// MaxTextSize is the maximum allowed size for text content (64 KB).
	MaxTextSize = 64 * 1024

	// MaxImageSize is the maximum allowed size for an uploaded image (5 MB).
	MaxImageSize = 5 << 20

	// MaxRequestBodySize is the maximum allowed request body size.
	// Set slightly larger than MaxImageSize to account for multipart overhead.
	MaxRequestBodySize = MaxImageSize + 1<<20

	// DefaultTTL is how long a transfer can be retrieved after creation.
	DefaultTTL = 60 * time.Second

	// DefaultExpiredRetention is how long an expired record is kept so that
	// lookups report it as expired rather than unknown.
	DefaultExpiredRetention = time.Hour

	// MaxCodeAttempts bounds how many codes are tried before giving up on a
	// create.
	MaxCodeAttempts = 10
)

package password

import (
	"fmt"
	"runtime"
	"time"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32 `mapstructure:"memory_kib"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
	SaltLength  uint32 `mapstructure:"salt_length"`
	KeyLength   uint32 `mapstructure:"key_length"`
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength      int  `mapstructure:"min_length"`
	MaxLength      int  `mapstructure:"max_length"`
	RejectVeryWeak bool `mapstructure:"reject_very_weak"`
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams `mapstructure:"argon2"`
	Policy Policy         `mapstructure:"policy"`

	// Timeout bounds one Hash or Verify call made through Hasher.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxConcurrent caps simultaneous argon2 computations (each holds MemoryKiB).
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
}

// DefaultConfig returns the baseline used when nothing is overridden.
func DefaultConfig() Config {
	threads := clamp(runtime.NumCPU(), 1, 4)

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024, // 64 MiB
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      6,
			MaxLength:      256,
			RejectVeryWeak: false,
		},
		Timeout:       5 * time.Second,
		MaxConcurrent: int64(clamp(2*runtime.NumCPU(), 2, 16)),
	}
}

// Check validates the configuration itself (not a password).
func (c Config) Check() error {
	p := c.Params
	switch {
	case p.MemoryKiB < 8*1024 || p.MemoryKiB > 1024*1024:
		return fmt.Errorf("password: argon2 memory_kib out of range [8192..1048576]")
	case p.Iterations < 1 || p.Iterations > 20:
		return fmt.Errorf("password: argon2 iterations out of range [1..20]")
	case p.Parallelism < 1:
		return fmt.Errorf("password: argon2 parallelism must be >= 1")
	case p.SaltLength < 8 || p.SaltLength > 64:
		return fmt.Errorf("password: argon2 salt_length out of range [8..64]")
	case p.KeyLength < 16 || p.KeyLength > 64:
		return fmt.Errorf("password: argon2 key_length out of range [16..64]")
	}
	if c.Policy.MinLength < 1 || c.Policy.MinLength > c.Policy.MaxLength {
		return fmt.Errorf(
			"password: policy invalid: min_len(%d) > max_len(%d)",
			c.Policy.MinLength,
			c.Policy.MaxLength,
		)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("password: timeout must be > 0")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("password: max_concurrent must be >= 1")
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

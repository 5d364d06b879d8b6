package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a byte count configured as "256MiB", "16kb", "4096" and so on.
// IEC suffixes are powers of 1024 and SI suffixes powers of 1000; a bare k,
// m or g is SI. Parsing follows go-humanize.
type ByteSize int64

const (
	Byte ByteSize = 1
	KB   ByteSize = 1000
	KiB  ByteSize = 1024
	MB   ByteSize = 1000 * KB
	MiB  ByteSize = 1024 * KiB
	GB   ByteSize = 1000 * MB
	GiB  ByteSize = 1024 * MiB
)

type byteUnit struct {
	suffix string
	size   ByteSize
}

// byteUnits is ordered for String: larger units first, IEC before SI at
// each magnitude.
var byteUnits = []byteUnit{
	{"GiB", GiB},
	{"GB", GB},
	{"MiB", MiB},
	{"MB", MB},
	{"KiB", KiB},
	{"KB", KB},
}

func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String uses the largest unit that divides b exactly, or no unit at all.
func (b ByteSize) String() string {
	for _, u := range byteUnits {
		if b >= u.size && b%u.size == 0 {
			return strconv.FormatInt(int64(b/u.size), 10) + u.suffix
		}
	}
	return strconv.FormatInt(int64(b), 10)
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ParseByteSize accepts a non-negative decimal number and an optional
// case-insensitive unit suffix such as b, kb, KiB, M or GiB.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: expected format like '256kb', '1MiB', or '1024': %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid byte size %q: too large", s)
	}
	return ByteSize(n), nil
}

package mm

import "github.com/southwarridev/kewveOs/kernel"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

var errInvalidSize = &kernel.Error{Module: "mm", Message: "invalid size specification", Kind: kernel.KindConfig}

// ParseSize parses sizes such as "4096", "64K", "1M" or "2G" as they appear
// on the boot command line. Suffixes are case-insensitive and use powers of
// 1024.
func ParseSize(spec string) (Size, *kernel.Error) {
	if len(spec) == 0 {
		return 0, errInvalidSize
	}

	unit := Byte
	switch spec[len(spec)-1] {
	case 'k', 'K':
		unit = Kb
	case 'm', 'M':
		unit = Mb
	case 'g', 'G':
		unit = Gb
	}
	if unit != Byte {
		spec = spec[:len(spec)-1]
		if len(spec) == 0 {
			return 0, errInvalidSize
		}
	}

	var val Size
	for i := 0; i < len(spec); i++ {
		if spec[i] < '0' || spec[i] > '9' {
			return 0, errInvalidSize
		}

		next := val*10 + Size(spec[i]-'0')
		if next/10 != val {
			return 0, errInvalidSize
		}
		val = next
	}

	if val != 0 && (val*unit)/unit != val {
		return 0, errInvalidSize
	}

	return val * unit, nil
}

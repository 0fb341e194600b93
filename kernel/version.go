package kernel

import "github.com/Masterminds/semver/v3"

// Version is the kernel release. Drivers declare the minimum kernel version
// they were written against and the HAL refuses to initialize any driver
// whose constraint is not satisfied.
var Version = semver.MustParse("0.4.0")

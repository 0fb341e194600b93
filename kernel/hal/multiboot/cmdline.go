package multiboot

import "strings"

// ParseCmdLine splits a kernel command line into key-value pairs. Bare
// words such as "nosmp" map to themselves.
func ParseCmdLine(cmdLine string) map[string]string {
	kv := make(map[string]string)
	for _, pair := range strings.Fields(cmdLine) {
		key, val, found := strings.Cut(pair, "=")
		if !found {
			val = key
		}
		kv[key] = val
	}

	return kv
}

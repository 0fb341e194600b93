package hal

import (
	"io"
	"runtime"

	syscpu "golang.org/x/sys/cpu"

	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
)

// Feature is a CPU capability reported by DetectPlatform.
type Feature uint8

// The features tracked by the HAL.
const (
	FeatureSSE2 Feature = iota
	FeatureSSE3
	FeatureSSSE3
	FeatureSSE41
	FeatureSSE42
	FeaturePOPCNT
	FeatureAVX
	FeatureAVX2
	FeatureAES
	FeatureRDRAND
	featureCount
)

var featureNames = [featureCount]string{
	"sse2", "sse3", "ssse3", "sse4.1", "sse4.2", "popcnt", "avx", "avx2", "aes", "rdrand",
}

// String returns the lower-case mnemonic of the feature.
func (f Feature) String() string {
	if f >= featureCount {
		return "unknown"
	}
	return featureNames[f]
}

var (
	// x86Features is read by DetectPlatform; tests replace it.
	x86Features = func() [featureCount]bool {
		return [featureCount]bool{
			FeatureSSE2:   syscpu.X86.HasSSE2,
			FeatureSSE3:   syscpu.X86.HasSSE3,
			FeatureSSSE3:  syscpu.X86.HasSSSE3,
			FeatureSSE41:  syscpu.X86.HasSSE41,
			FeatureSSE42:  syscpu.X86.HasSSE42,
			FeaturePOPCNT: syscpu.X86.HasPOPCNT,
			FeatureAVX:    syscpu.X86.HasAVX,
			FeatureAVX2:   syscpu.X86.HasAVX2,
			FeatureAES:    syscpu.X86.HasAES,
			FeatureRDRAND: syscpu.X86.HasRDRAND,
		}
	}
	isIntelFn = cpu.IsIntel
)

// Platform describes the processor the kernel runs on.
type Platform struct {
	Arch     string
	Intel    bool
	features [featureCount]bool
}

// DetectPlatform queries the CPU for its vendor and feature flags.
func DetectPlatform() Platform {
	return Platform{
		Arch:     runtime.GOARCH,
		Intel:    isIntelFn(),
		features: x86Features(),
	}
}

// Has reports whether the CPU supports f.
func (p Platform) Has(f Feature) bool {
	return f < featureCount && p.features[f]
}

// Print writes a one-line summary of the platform to w.
func (p Platform) Print(w io.Writer) {
	vendor := "other"
	if p.Intel {
		vendor = "intel"
	}

	kfmt.Fprintf(w, "[hal] cpu: %s (%s) features:", p.Arch, vendor)
	for f := Feature(0); f < featureCount; f++ {
		if p.features[f] {
			kfmt.Fprintf(w, " %s", featureNames[f])
		}
	}
	kfmt.Fprintf(w, "\n")
}

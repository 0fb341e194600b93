package multiboot

import "encoding/binary"

// Encode serializes the supplied memory map, command line and boot loader
// name into a multiboot2 information structure. Emulators use it to hand the
// kernel the same data a real boot loader would.
func Encode(regions []MemoryMapEntry, cmdLine, loaderName string) []byte {
	buf := make([]byte, 8, 256)

	appendTag := func(t tagType, payload []byte) {
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(t))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(8+len(payload)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, payload...)
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
	}

	if cmdLine != "" {
		appendTag(tagBootCmdLine, append([]byte(cmdLine), 0))
	}
	if loaderName != "" {
		appendTag(tagBootLoaderName, append([]byte(loaderName), 0))
	}

	const entrySize = 24
	mmap := make([]byte, 8+entrySize*len(regions))
	binary.LittleEndian.PutUint32(mmap[0:], entrySize)
	for i, r := range regions {
		off := 8 + i*entrySize
		binary.LittleEndian.PutUint64(mmap[off:], r.PhysAddress)
		binary.LittleEndian.PutUint64(mmap[off+8:], r.Length)
		binary.LittleEndian.PutUint32(mmap[off+16:], uint32(r.Type))
	}
	appendTag(tagMemoryMap, mmap)
	appendTag(tagMbSectionEnd, nil)

	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	return buf
}

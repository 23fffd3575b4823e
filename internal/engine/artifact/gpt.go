package artifact

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf16"
)

const (
	sectorSize  = 512
	gptEntryMin = 128
	extSBOffset = 1024
	extMagic    = 0xEF53
	extMagicOff = 56 // within the superblock
)

var gptSignature = []byte("EFI PART")

// partition is a located byte span inside the image.
type partition struct {
	name   string
	offset int64
	size   int64
}

// findGPTPartition parses the GUID partition table at LBA 1 and returns
// the first partition whose UTF-16LE name contains name
// (case-insensitive).
func findGPTPartition(img []byte, name string) (partition, bool) {
	if len(img) < 2*sectorSize+92 {
		return partition{}, false
	}
	hdr := img[sectorSize:]
	if !bytes.HasPrefix(hdr, gptSignature) {
		return partition{}, false
	}
	entriesLBA := binary.LittleEndian.Uint64(hdr[72:80])
	count := binary.LittleEndian.Uint32(hdr[80:84])
	entrySize := binary.LittleEndian.Uint32(hdr[84:88])
	if entrySize < gptEntryMin || count == 0 || count > 128 {
		return partition{}, false
	}

	want := strings.ToLower(name)
	for i := uint32(0); i < count; i++ {
		off := int64(entriesLBA)*sectorSize + int64(i)*int64(entrySize)
		if off < 0 || off+int64(entrySize) > int64(len(img)) {
			break
		}
		entry := img[off : off+int64(entrySize)]
		if allZero(entry[:16]) { // empty type GUID
			continue
		}
		pname := decodeUTF16Name(entry[56:gptEntryMin])
		if !strings.Contains(strings.ToLower(pname), want) {
			continue
		}
		firstLBA := int64(binary.LittleEndian.Uint64(entry[32:40]))
		lastLBA := int64(binary.LittleEndian.Uint64(entry[40:48]))
		if firstLBA <= 0 || lastLBA < firstLBA {
			continue
		}
		start := firstLBA * sectorSize
		size := (lastLBA - firstLBA + 1) * sectorSize
		if start >= int64(len(img)) {
			continue
		}
		if start+size > int64(len(img)) {
			size = int64(len(img)) - start
		}
		return partition{name: pname, offset: start, size: size}, true
	}
	return partition{}, false
}

// findExtSuperblock scans sector-aligned offsets for a raw ext
// superblock signature, the fallback when the image carries no
// partition table.
func findExtSuperblock(img []byte) (partition, bool) {
	for off := int64(0); off+extSBOffset+extSBOffset <= int64(len(img)); off += sectorSize {
		sb := img[off+extSBOffset:]
		if binary.LittleEndian.Uint16(sb[extMagicOff:extMagicOff+2]) != extMagic {
			continue
		}
		blockCount := int64(binary.LittleEndian.Uint32(sb[4:8]))
		logBS := binary.LittleEndian.Uint32(sb[24:28])
		if logBS > 2 || blockCount == 0 {
			continue
		}
		blockSize := int64(1024) << logBS
		size := blockCount * blockSize
		if size > int64(len(img))-off {
			size = int64(len(img)) - off
		}
		return partition{name: "ext", offset: off, size: size}, true
	}
	return partition{}, false
}

func decodeUTF16Name(raw []byte) string {
	var units []uint16
	for i := 0; i+1 < len(raw); i += 2 {
		u := binary.LittleEndian.Uint16(raw[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

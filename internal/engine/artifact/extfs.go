package artifact

import (
	"encoding/binary"
	"fmt"
	iofs "io/fs"
	"strings"
)

// Minimal read-only ext2/ext4 reader: enough of the on-disk format to
// walk a directory path and read a regular file out of an extracted
// vehicle image. No write operation is ever issued; the view is a plain
// byte slice.

const (
	extRootInode   = 2
	extInodeFlags  = 32
	extInodeBlocks = 40
	extExtentsFlag = 0x80000
	extExtentMagic = 0xF30A

	extModeMask = 0xF000
	extModeDir  = 0x4000
	extModeReg  = 0x8000
)

type extFS struct {
	img            []byte
	blockSize      int64
	inodeSize      int64
	inodesPerGroup int64
	firstDataBlock int64
	descBase       int64 // byte offset of the group descriptor table
}

// openExtFS validates the superblock and prepares the filesystem view.
func openExtFS(img []byte) (*extFS, error) {
	if int64(len(img)) < extSBOffset+1024 {
		return nil, fmt.Errorf("ext: image too small for a superblock (%d bytes)", len(img))
	}
	sb := img[extSBOffset:]
	if binary.LittleEndian.Uint16(sb[extMagicOff:extMagicOff+2]) != extMagic {
		return nil, fmt.Errorf("ext: bad superblock magic")
	}
	logBS := binary.LittleEndian.Uint32(sb[24:28])
	if logBS > 2 {
		return nil, fmt.Errorf("ext: unsupported block size log %d", logBS)
	}
	fs := &extFS{
		img:            img,
		blockSize:      int64(1024) << logBS,
		inodesPerGroup: int64(binary.LittleEndian.Uint32(sb[40:44])),
		firstDataBlock: int64(binary.LittleEndian.Uint32(sb[20:24])),
		inodeSize:      128,
	}
	if rev := binary.LittleEndian.Uint32(sb[76:80]); rev >= 1 {
		fs.inodeSize = int64(binary.LittleEndian.Uint16(sb[88:90]))
	}
	if fs.inodesPerGroup <= 0 || fs.inodeSize < 128 {
		return nil, fmt.Errorf("ext: implausible superblock (inodes per group %d, inode size %d)",
			fs.inodesPerGroup, fs.inodeSize)
	}
	fs.descBase = (fs.firstDataBlock + 1) * fs.blockSize
	return fs, nil
}

// readFile walks path from the root directory and returns the file
// contents. Missing components wrap iofs.ErrNotExist.
func (fs *extFS) readFile(path string) ([]byte, error) {
	ino := int64(extRootInode)
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		mode, _, data, err := fs.inodeData(ino)
		if err != nil {
			return nil, err
		}
		if mode&extModeMask != extModeDir {
			return nil, fmt.Errorf("ext: %s: not a directory", strings.Join(parts[:i], "/"))
		}
		next, ok := lookupDirent(data, part)
		if !ok {
			return nil, fmt.Errorf("ext: %s: %w", strings.Join(parts[:i+1], "/"), iofs.ErrNotExist)
		}
		ino = next
	}
	mode, _, data, err := fs.inodeData(ino)
	if err != nil {
		return nil, err
	}
	if mode&extModeMask != extModeReg {
		return nil, fmt.Errorf("ext: %s: not a regular file", path)
	}
	return data, nil
}

// inodeData reads an inode and assembles its data blocks.
func (fs *extFS) inodeData(ino int64) (mode uint16, size int64, data []byte, err error) {
	if ino < 1 {
		return 0, 0, nil, fmt.Errorf("ext: invalid inode %d", ino)
	}
	group := (ino - 1) / fs.inodesPerGroup
	index := (ino - 1) % fs.inodesPerGroup
	descOff := fs.descBase + group*32
	if descOff+32 > int64(len(fs.img)) {
		return 0, 0, nil, fmt.Errorf("ext: group descriptor %d out of image", group)
	}
	tableBlock := int64(binary.LittleEndian.Uint32(fs.img[descOff+8 : descOff+12]))
	inodeOff := tableBlock*fs.blockSize + index*fs.inodeSize
	if inodeOff+fs.inodeSize > int64(len(fs.img)) {
		return 0, 0, nil, fmt.Errorf("ext: inode %d out of image", ino)
	}
	raw := fs.img[inodeOff : inodeOff+fs.inodeSize]
	mode = binary.LittleEndian.Uint16(raw[0:2])
	size = int64(binary.LittleEndian.Uint32(raw[4:8]))
	flags := binary.LittleEndian.Uint32(raw[extInodeFlags : extInodeFlags+4])
	iblock := raw[extInodeBlocks : extInodeBlocks+60]

	data = make([]byte, size)
	if flags&extExtentsFlag != 0 {
		err = fs.readExtents(iblock, data)
	} else {
		err = fs.readDirectBlocks(iblock, data)
	}
	if err != nil {
		return 0, 0, nil, fmt.Errorf("ext: inode %d: %w", ino, err)
	}
	return mode, size, data, nil
}

// The on-disk format caps an extent tree at depth 5. The budget bounds
// recursion on images whose index entries form a cycle.
const extMaxExtentDepth = 5

// readExtents copies data out of an extent tree. Every field is
// untrusted: entry counts are clamped to the node's byte length and the
// walk refuses trees deeper than the format allows, so a mangled image
// surfaces as an error rather than a fault.
func (fs *extFS) readExtents(node []byte, dst []byte) error {
	return fs.readExtentNode(node, dst, extMaxExtentDepth)
}

func (fs *extFS) readExtentNode(node []byte, dst []byte, budget int) error {
	if budget < 0 {
		return fmt.Errorf("extent tree exceeds maximum depth %d", extMaxExtentDepth)
	}
	if len(node) < 12 || binary.LittleEndian.Uint16(node[0:2]) != extExtentMagic {
		return fmt.Errorf("bad extent magic")
	}
	entries := int(binary.LittleEndian.Uint16(node[2:4]))
	if room := (len(node) - 12) / 12; entries > room {
		return fmt.Errorf("extent node declares %d entries, node has room for %d", entries, room)
	}
	depth := binary.LittleEndian.Uint16(node[6:8])
	for i := 0; i < entries; i++ {
		e := node[12+i*12 : 24+i*12]
		if depth == 0 {
			logical := int64(binary.LittleEndian.Uint32(e[0:4]))
			count := int64(binary.LittleEndian.Uint16(e[4:6]))
			phys := int64(binary.LittleEndian.Uint16(e[6:8]))<<32 |
				int64(binary.LittleEndian.Uint32(e[8:12]))
			fs.copyBlocks(dst, logical, phys, count)
			continue
		}
		leaf := int64(binary.LittleEndian.Uint32(e[4:8]))
		off := leaf * fs.blockSize
		if off+fs.blockSize > int64(len(fs.img)) {
			return fmt.Errorf("extent index points past image")
		}
		if err := fs.readExtentNode(fs.img[off:off+fs.blockSize], dst, budget-1); err != nil {
			return err
		}
	}
	return nil
}

// readDirectBlocks handles legacy block maps: 12 direct pointers plus a
// single indirect block, which covers any file these images embed.
func (fs *extFS) readDirectBlocks(iblock []byte, dst []byte) error {
	blocks := int64(len(dst)+int(fs.blockSize)-1) / fs.blockSize
	for i := int64(0); i < blocks && i < 12; i++ {
		phys := int64(binary.LittleEndian.Uint32(iblock[i*4 : i*4+4]))
		fs.copyBlocks(dst, i, phys, 1)
	}
	if blocks <= 12 {
		return nil
	}
	ind := int64(binary.LittleEndian.Uint32(iblock[48:52]))
	indOff := ind * fs.blockSize
	if indOff+fs.blockSize > int64(len(fs.img)) {
		return fmt.Errorf("indirect block points past image")
	}
	table := fs.img[indOff : indOff+fs.blockSize]
	for i := int64(12); i < blocks; i++ {
		j := i - 12
		if j*4+4 > fs.blockSize {
			return fmt.Errorf("file exceeds single-indirect capacity")
		}
		phys := int64(binary.LittleEndian.Uint32(table[j*4 : j*4+4]))
		fs.copyBlocks(dst, i, phys, 1)
	}
	return nil
}

func (fs *extFS) copyBlocks(dst []byte, logical, phys, count int64) {
	for j := int64(0); j < count; j++ {
		srcOff := (phys + j) * fs.blockSize
		dstOff := (logical + j) * fs.blockSize
		if srcOff >= int64(len(fs.img)) || dstOff >= int64(len(dst)) {
			return
		}
		n := fs.blockSize
		if srcOff+n > int64(len(fs.img)) {
			n = int64(len(fs.img)) - srcOff
		}
		if dstOff+n > int64(len(dst)) {
			n = int64(len(dst)) - dstOff
		}
		copy(dst[dstOff:dstOff+n], fs.img[srcOff:srcOff+n])
	}
}

// lookupDirent scans classic linear directory entries for name.
func lookupDirent(dir []byte, name string) (int64, bool) {
	for off := 0; off+8 <= len(dir); {
		ino := binary.LittleEndian.Uint32(dir[off : off+4])
		recLen := int(binary.LittleEndian.Uint16(dir[off+4 : off+6]))
		nameLen := int(dir[off+6])
		if recLen < 8 || off+recLen > len(dir) {
			break
		}
		if ino != 0 && off+8+nameLen <= len(dir) {
			if string(dir[off+8:off+8+nameLen]) == name {
				return int64(ino), true
			}
		}
		off += recLen
	}
	return 0, false
}

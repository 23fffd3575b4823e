package artifact

import (
	"context"
	"database/sql"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"navex/internal/record"
)

const containerPath = "data/com.honda.telematics.core/databases/crm.db"

func testConfig(scratch string) Config {
	return Config{
		PartitionName: "userdata",
		ContainerPath: containerPath,
		TableHint:     "eco_logs",
		Rows: []RowSpec{
			{Role: "start", TimeColumn: "start_pos_time", LatColumn: "start_pos_lat", LonColumn: "start_pos_lon"},
			{Role: "finish", TimeColumn: "finish_pos_time", LatColumn: "finish_pos_lat", LonColumn: "finish_pos_lon"},
		},
		ScratchDir: scratch,
	}
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// buildTripDB creates a real container through the driver: one trip with
// both endpoints and one still in progress.
func buildTripDB(t *testing.T, ambiguous bool) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crm.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open scratch db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE eco_logs (
			start_pos_time REAL, start_pos_lat REAL, start_pos_lon REAL,
			finish_pos_time REAL, finish_pos_lat REAL, finish_pos_lon REAL
		)`,
		`INSERT INTO eco_logs VALUES (1710513120, 37.7749, -122.4194, 1710516720, 37.8044, -122.2712)`,
		`INSERT INTO eco_logs VALUES (1710600000, 47.6062, -122.3321, NULL, NULL, NULL)`,
	}
	if ambiguous {
		stmts = append(stmts, `CREATE TABLE eco_logs_archive (start_pos_lat REAL)`)
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close scratch db: %v", err)
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read scratch db: %v", err)
	}
	return blob
}

type dirent struct {
	ino   uint32
	name  string
	ftype byte
}

func dirBlock(blockSize int, entries []dirent) []byte {
	blk := make([]byte, blockSize)
	off := 0
	for i, e := range entries {
		recLen := (8 + len(e.name) + 3) &^ 3
		if i == len(entries)-1 {
			recLen = blockSize - off
		}
		binary.LittleEndian.PutUint32(blk[off:], e.ino)
		binary.LittleEndian.PutUint16(blk[off+4:], uint16(recLen))
		blk[off+6] = byte(len(e.name))
		blk[off+7] = e.ftype
		copy(blk[off+8:], e.name)
		off += recLen
	}
	return blk
}

// buildExtImage lays out a minimal rev-1 filesystem with 1 KiB blocks:
// superblock, one group descriptor, an inode table at block 3, the
// directory chain for the container path, and the file as one extent.
func buildExtImage(t *testing.T, fileName string, content []byte) []byte {
	t.Helper()
	const blockSize = 1024
	fileBlocks := (len(content) + blockSize - 1) / blockSize
	total := 23 + fileBlocks
	img := make([]byte, total*blockSize)

	sb := img[1024:]
	binary.LittleEndian.PutUint32(sb[0:], 128)           // inodes
	binary.LittleEndian.PutUint32(sb[4:], uint32(total)) // blocks
	binary.LittleEndian.PutUint32(sb[20:], 1)            // first data block
	binary.LittleEndian.PutUint32(sb[24:], 0)            // log block size
	binary.LittleEndian.PutUint32(sb[40:], 128)          // inodes per group
	binary.LittleEndian.PutUint16(sb[56:], 0xEF53)
	binary.LittleEndian.PutUint32(sb[76:], 1)   // revision
	binary.LittleEndian.PutUint16(sb[88:], 128) // inode size

	binary.LittleEndian.PutUint32(img[2*blockSize+8:], 3) // inode table block

	writeInode := func(ino int, mode uint16, size, startBlock, blocks int) {
		off := 3*blockSize + (ino-1)*128
		binary.LittleEndian.PutUint16(img[off:], mode)
		binary.LittleEndian.PutUint32(img[off+4:], uint32(size))
		binary.LittleEndian.PutUint32(img[off+32:], 0x80000)
		ib := img[off+40:]
		binary.LittleEndian.PutUint16(ib[0:], 0xF30A)
		binary.LittleEndian.PutUint16(ib[2:], 1) // entries
		binary.LittleEndian.PutUint16(ib[4:], 4)
		binary.LittleEndian.PutUint16(ib[6:], 0) // depth
		binary.LittleEndian.PutUint16(ib[16:], uint16(blocks))
		binary.LittleEndian.PutUint32(ib[20:], uint32(startBlock))
	}

	const dirMode, fileMode = 0x41ED, 0x81A4
	writeInode(2, dirMode, blockSize, 19, 1)
	writeInode(11, dirMode, blockSize, 20, 1)
	writeInode(12, dirMode, blockSize, 21, 1)
	writeInode(13, dirMode, blockSize, 22, 1)
	writeInode(14, fileMode, len(content), 23, fileBlocks)

	copy(img[19*blockSize:], dirBlock(blockSize, []dirent{
		{2, ".", 2}, {2, "..", 2}, {11, "data", 2},
	}))
	copy(img[20*blockSize:], dirBlock(blockSize, []dirent{
		{11, ".", 2}, {2, "..", 2}, {12, "com.honda.telematics.core", 2},
	}))
	copy(img[21*blockSize:], dirBlock(blockSize, []dirent{
		{12, ".", 2}, {11, "..", 2}, {13, "databases", 2},
	}))
	copy(img[22*blockSize:], dirBlock(blockSize, []dirent{
		{13, ".", 2}, {12, "..", 2}, {14, fileName, 1},
	}))
	copy(img[23*blockSize:], content)
	return img
}

// wrapGPT prefixes the filesystem with a partition table: header at
// LBA 1, one entry at LBA 2, data from LBA 8.
func wrapGPT(fsImg []byte, name string) []byte {
	const startLBA = 8
	sectors := len(fsImg) / sectorSize
	img := make([]byte, startLBA*sectorSize+len(fsImg))

	hdr := img[sectorSize:]
	copy(hdr, gptSignature)
	binary.LittleEndian.PutUint64(hdr[72:], 2)
	binary.LittleEndian.PutUint32(hdr[80:], 1)
	binary.LittleEndian.PutUint32(hdr[84:], 128)

	entry := img[2*sectorSize:]
	entry[0] = 0xAF // non-empty type GUID
	binary.LittleEndian.PutUint64(entry[32:], startLBA)
	binary.LittleEndian.PutUint64(entry[40:], uint64(startLBA+sectors-1))
	for i, r := range name {
		binary.LittleEndian.PutUint16(entry[56+2*i:], uint16(r))
	}

	copy(img[startLBA*sectorSize:], fsImg)
	return img
}

func assertTripRecords(t *testing.T, out record.Outcome) {
	t.Helper()
	if out.Status != record.StatusCompleted {
		t.Fatalf("status = %q, diagnostics: %v", out.Status, out.Diagnostics)
	}
	if len(out.Records) != 3 {
		t.Fatalf("got %d records, want 3", len(out.Records))
	}
	wantRoles := []string{"start", "finish", "start"}
	wantLats := []float64{37.7749, 37.8044, 47.6062}
	for i, rec := range out.Records {
		if role, _ := rec.Attr("role"); role.Text != wantRoles[i] {
			t.Errorf("record %d role = %q, want %q", i, role.Text, wantRoles[i])
		}
		if rec.Latitude != wantLats[i] {
			t.Errorf("record %d latitude = %g, want %g", i, rec.Latitude, wantLats[i])
		}
	}
	wantFirst := time.Unix(1710513120, 0).UTC()
	if !out.Records[0].Timestamp.Equal(wantFirst) {
		t.Errorf("first timestamp = %v, want %v", out.Records[0].Timestamp, wantFirst)
	}
	if id, ok := out.Records[2].Attr("row_id"); !ok || id.Int != 2 {
		t.Errorf("third record row_id = %v, %t, want 2", id, ok)
	}
}

func assertScratchEmpty(t *testing.T, scratch string) {
	t.Helper()
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch root not cleaned, %d entries left", len(entries))
	}
}

func TestExtract_GPTImage(t *testing.T) {
	img := wrapGPT(buildExtImage(t, "crm.db", buildTripDB(t, false)), "userdata")
	scratch := t.TempDir()
	eng := mustEngine(t, testConfig(scratch))

	out := eng.Extract(context.Background(), img, nil)
	assertTripRecords(t, out)
	assertScratchEmpty(t, scratch)
}

func TestExtract_BareFilesystemFallback(t *testing.T) {
	img := buildExtImage(t, "crm.db", buildTripDB(t, false))
	scratch := t.TempDir()
	eng := mustEngine(t, testConfig(scratch))

	out := eng.Extract(context.Background(), img, nil)
	assertTripRecords(t, out)
	assertScratchEmpty(t, scratch)
}

func TestExtract_NoSignature(t *testing.T) {
	eng := mustEngine(t, testConfig(t.TempDir()))
	out := eng.Extract(context.Background(), make([]byte, 64*1024), nil)

	if out.Status != record.StatusFailed {
		t.Fatalf("status = %q, want %q", out.Status, record.StatusFailed)
	}
	if len(out.Records) != 0 {
		t.Errorf("got %d records from an unformatted image", len(out.Records))
	}
	if len(out.Diagnostics) != 1 || out.Diagnostics[0].Code != record.CodeNotFound {
		t.Errorf("diagnostics = %v, want one not_found", out.Diagnostics)
	}
}

func TestExtract_MissingContainer(t *testing.T) {
	img := buildExtImage(t, "other.db", buildTripDB(t, false))
	scratch := t.TempDir()
	eng := mustEngine(t, testConfig(scratch))

	out := eng.Extract(context.Background(), img, nil)
	if out.Status != record.StatusFailed {
		t.Fatalf("status = %q, want %q", out.Status, record.StatusFailed)
	}
	if len(out.Diagnostics) != 1 || out.Diagnostics[0].Code != record.CodeNotFound {
		t.Fatalf("diagnostics = %v, want one not_found", out.Diagnostics)
	}
	if !strings.Contains(out.Diagnostics[0].Context, containerPath) {
		t.Errorf("diagnostic %q does not name the container path", out.Diagnostics[0].Context)
	}
	assertScratchEmpty(t, scratch)
}

func TestExtract_AmbiguousTableHint(t *testing.T) {
	img := buildExtImage(t, "crm.db", buildTripDB(t, true))
	scratch := t.TempDir()
	eng := mustEngine(t, testConfig(scratch))

	out := eng.Extract(context.Background(), img, nil)
	if out.Status != record.StatusFailed {
		t.Fatalf("status = %q, want %q", out.Status, record.StatusFailed)
	}
	d := out.Diagnostics[len(out.Diagnostics)-1]
	if d.Code != record.CodeCorruption {
		t.Errorf("diagnostic code = %q, want corruption", d.Code)
	}
	if !strings.Contains(d.Context, "eco_logs_archive") {
		t.Errorf("diagnostic %q does not list the ambiguous matches", d.Context)
	}
	assertScratchEmpty(t, scratch)
}

func TestExtract_Cancelled(t *testing.T) {
	img := wrapGPT(buildExtImage(t, "crm.db", buildTripDB(t, false)), "userdata")
	scratch := t.TempDir()
	eng := mustEngine(t, testConfig(scratch))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := eng.Extract(ctx, img, nil)

	if out.Status != record.StatusCancelled {
		t.Fatalf("status = %q, want %q", out.Status, record.StatusCancelled)
	}
	assertScratchEmpty(t, scratch)
}

// corruptFileExtents rewrites the container inode's extent root in a
// built image. Inode 14 sits in the table at block 3; i_block starts 40
// bytes into the 128-byte inode.
func corruptFileExtents(img []byte, mutate func(iblock []byte)) {
	const inodeOff = 3*1024 + 13*128
	mutate(img[inodeOff+40 : inodeOff+100])
}

func TestExtract_CorruptExtentMetadata(t *testing.T) {
	t.Run("self-referencing index", func(t *testing.T) {
		img := buildExtImage(t, "crm.db", buildTripDB(t, false))
		// Root declares a depth-1 index whose single entry points at
		// block 23, and block 23 holds an index pointing back at itself.
		corruptFileExtents(img, func(ib []byte) {
			binary.LittleEndian.PutUint16(ib[6:], 1) // depth
			binary.LittleEndian.PutUint32(ib[12+4:], 23)
		})
		idx := img[23*1024:]
		binary.LittleEndian.PutUint16(idx[0:], 0xF30A)
		binary.LittleEndian.PutUint16(idx[2:], 1) // entries
		binary.LittleEndian.PutUint16(idx[6:], 1) // depth
		binary.LittleEndian.PutUint32(idx[12+4:], 23)

		scratch := t.TempDir()
		eng := mustEngine(t, testConfig(scratch))
		out := eng.Extract(context.Background(), img, nil)

		if out.Status != record.StatusFailed {
			t.Fatalf("status = %q, want %q", out.Status, record.StatusFailed)
		}
		if len(out.Diagnostics) != 1 || out.Diagnostics[0].Code != record.CodeCorruption {
			t.Errorf("diagnostics = %v, want one corruption", out.Diagnostics)
		}
		assertScratchEmpty(t, scratch)
	})

	t.Run("entry count past node", func(t *testing.T) {
		img := buildExtImage(t, "crm.db", buildTripDB(t, false))
		// 60 bytes of i_block fit four entries; 200 would read adjacent
		// inode-table bytes as extents.
		corruptFileExtents(img, func(ib []byte) {
			binary.LittleEndian.PutUint16(ib[2:], 200)
		})

		scratch := t.TempDir()
		eng := mustEngine(t, testConfig(scratch))
		out := eng.Extract(context.Background(), img, nil)

		if out.Status != record.StatusFailed {
			t.Fatalf("status = %q, want %q", out.Status, record.StatusFailed)
		}
		if len(out.Diagnostics) != 1 || out.Diagnostics[0].Code != record.CodeCorruption {
			t.Errorf("diagnostics = %v, want one corruption", out.Diagnostics)
		}
		assertScratchEmpty(t, scratch)
	})
}

func TestNew_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing container path", func(c *Config) { c.ContainerPath = "" }},
		{"missing table hint", func(c *Config) { c.TableHint = "" }},
		{"no row mappings", func(c *Config) { c.Rows = nil }},
		{"row without coordinates", func(c *Config) { c.Rows[0].LatColumn = "" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			c.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New accepted an invalid config")
			}
		})
	}
}

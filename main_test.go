package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mcdump/maxtocode"
	"mcdump/perw"
)

// Layout of the packed assembly written by buildPackedAssembly. The header
// page is a full 0x1000 bytes so the packer pointers at its end are on disk.
const (
	asmHeadersSize = 0x1000
	asmTextRva     = 0x2000
	asmTextSize    = 0x6000
	asmMetadataRva = 0x2050
	asmMcHeaderRva = 0x3000
	asmInfosRva    = 0x5000
	asmDataRva     = 0x5400
	asmBodyRva     = 0x2400
	asmXorKey      = 1
)

var asmCode = []byte{0x16, 0x2A} // ldc.i4.0; ret

func asmOffset(rva int) int {
	return rva - asmTextRva + asmHeadersSize
}

// buildPackedAssembly lays out a PE32 .NET image with two MethodDef rows. The
// first points at a body the packer replaced, the second has no body.
func buildPackedAssembly(t *testing.T) []byte {
	t.Helper()
	data := make([]byte, asmHeadersSize+asmTextSize)
	put16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(data[off:], v) }
	put32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(data[off:], v) }

	data[0], data[1] = 'M', 'Z'
	put32(0x3C, 0x80)
	copy(data[0x80:], "PE\x00\x00")
	coff := 0x84
	put16(coff, 0x014c)
	put16(coff+2, 1)
	put16(coff+16, 0xE0)
	put16(coff+18, 0x0102)
	opt := coff + 20
	put16(opt, 0x10b)
	put32(opt+28, 0x00400000)
	put32(opt+32, 0x1000)
	put32(opt+36, 0x200)
	put32(opt+56, asmTextRva+asmTextSize)
	put32(opt+60, asmHeadersSize)
	put32(opt+92, 16)
	put32(opt+96+14*8, 0x2008)
	put32(opt+96+14*8+4, 0x48)
	sec := opt + 0xE0
	copy(data[sec:], ".text")
	put32(sec+8, asmTextSize)
	put32(sec+12, asmTextRva)
	put32(sec+16, asmTextSize)
	put32(sec+20, asmHeadersSize)
	put32(sec+36, 0x60000020)

	// CLI header; its size field doubles as the packer's layout marker.
	cor20 := asmOffset(0x2008)
	put32(cor20, 0x48)
	put16(cor20+4, 2)
	put16(cor20+6, 5)
	put32(cor20+8, asmMetadataRva)
	put32(cor20+12, 0x200)

	root := asmOffset(asmMetadataRva)
	put32(root, 0x424A5342)
	put16(root+4, 1)
	put16(root+6, 1)
	put32(root+12, 12)
	copy(data[root+16:], "v4.0.30319")
	put16(root+30, 1)
	put32(root+32, 0x100)
	put32(root+36, 0x100)
	copy(data[root+40:], "#~\x00")

	tables := root + 0x100
	data[tables+4] = 2
	data[tables+7] = 1
	binary.LittleEndian.PutUint64(data[tables+8:], 1<<0x00|1<<0x06)
	put32(tables+24, 1) // Module
	put32(tables+28, 2) // MethodDef
	methodDef := tables + 32 + 10
	put32(methodDef, asmBodyRva)
	put16(methodDef+6, 0x0096)
	put16(methodDef+8, 0x000A)
	put16(methodDef+10, 0x0001)
	put16(methodDef+12, 0x0001)
	put16(methodDef+14+6, 0x05C6) // abstract, RVA 0

	key := make([]byte, 0x2000)
	for i := range key {
		key[i] = byte(i*7 + 3)
	}
	copy(data[asmOffset(asmMcHeaderRva):], key)
	keyWord := func(off int) uint32 { return binary.LittleEndian.Uint32(key[off:]) }

	put32(0x0FFC, asmMcHeaderRva^0x7ABF931)
	put32(0x0FF8, asmInfosRva^keyWord(0x5A))
	put32(0x0FF0, asmDataRva^keyWord(0x46))

	infos := asmOffset(asmInfosRva)
	put32(infos, 0x11111111)
	put32(infos+4, 0x11111111^asmXorKey)
	record := infos + 8
	put32(record, asmBodyRva^asmXorKey)
	put32(record+4, uint32(1+len(asmCode))^asmXorKey)
	fragments := []struct {
		offset, size uint32
	}{
		{0, 1}, // header byte
		{0, 0}, // no exception clauses
		{1, uint32(len(asmCode))},
	}
	for j, frag := range fragments {
		slot := record + 0xC + j*0x13
		data[slot] = byte(j)
		put16(slot+1, 1^asmXorKey)
		put32(slot+3, frag.offset^asmXorKey)
		put32(slot+7, frag.size^asmXorKey)
		put32(slot+11, frag.size^asmXorKey)
		if j == 1 {
			put32(slot+15, 0^asmXorKey)
		}
	}

	body := asmOffset(asmDataRva)
	data[body] = byte(len(asmCode)<<2|2) ^ key[0]
	for i, b := range asmCode {
		data[body+1+i] = b ^ key[i]
	}
	put16(asmOffset(asmBodyRva), 0xFFF3)

	return data
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func withConfig(t *testing.T, c Config) {
	t.Helper()
	saved := config
	config = &c
	t.Cleanup(func() { config = saved })
}

func TestProcessFileRecoversMethods(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "dumps")
	withConfig(t, Config{OutputDir: outDir, MaxWorkers: 1})
	path := writeTempFile(t, "packed.exe", buildPackedAssembly(t))

	result := processFile(path)
	if result.Error != nil {
		t.Fatalf("processFile failed: %v", result.Error)
	}
	want := maxtocode.Stats{Records: 1, Recovered: 1, SkippedZeroRva: 1}
	if result.Stats != want {
		t.Errorf("stats = %+v, want %+v", result.Stats, want)
	}

	m := result.Methods[0x06000001]
	if m == nil {
		t.Fatalf("method 0x06000001 not recovered, got %d methods", len(result.Methods))
	}
	if m.HeaderFlags != 2 || m.MaxStack != 8 || m.CodeSize != 2 || !bytes.Equal(m.Code, asmCode) {
		t.Errorf("method = %+v", m)
	}
	if m.Flags != 0x0096 || !bytes.Equal(m.Name, []byte{0x0A, 0x00}) {
		t.Errorf("row columns flags=%#x name=%x", m.Flags, m.Name)
	}

	if result.DumpPath != filepath.Join(outDir, "packed.exe"+dumpSuffix) {
		t.Errorf("dump path = %s", result.DumpPath)
	}
	raw, err := os.ReadFile(result.DumpPath)
	if err != nil {
		t.Fatal(err)
	}
	var dump fileDump
	if err := json.Unmarshal(raw, &dump); err != nil {
		t.Fatal(err)
	}
	if dump.File != "packed.exe" || len(dump.Methods) != 1 || dump.Methods[0].Code != "162a" {
		t.Errorf("dump = %+v", dump)
	}
}

func TestProcessFileErrors(t *testing.T) {
	withConfig(t, Config{MaxWorkers: 1})
	dir := t.TempDir()

	plain := buildPackedAssembly(t)
	// Drop the CLI data directory: a native image.
	binary.LittleEndian.PutUint32(plain[0x84+20+96+14*8:], 0)

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", filepath.Join(dir, "missing.exe"), os.ErrNotExist},
		{"directory", dir, ErrNotRegularFile},
		{"not PE", writeTempFile(t, "notes.txt", []byte(strings.Repeat("text ", 40))), perw.ErrNotPE},
		{"native", writeTempFile(t, "native.exe", plain), perw.ErrNotDotNet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := processFile(tt.path)
			if !errors.Is(result.Error, tt.want) {
				t.Errorf("got %v, want %v", result.Error, tt.want)
			}
		})
	}
}

func TestProcessFileBadMarkerIsSkipped(t *testing.T) {
	withConfig(t, Config{MaxWorkers: 1})
	data := buildPackedAssembly(t)
	binary.LittleEndian.PutUint16(data[asmOffset(asmBodyRva):], 0x2A06)

	result := processFile(writeTempFile(t, "plain.exe", data))
	if result.Error != nil {
		t.Fatal(result.Error)
	}
	if len(result.Methods) != 0 || result.Stats.SkippedBadMarker != 1 {
		t.Errorf("methods=%d stats=%+v", len(result.Methods), result.Stats)
	}
}

func TestProcessFilesParallel(t *testing.T) {
	withConfig(t, Config{Parallel: true, MaxWorkers: 3})
	packed := buildPackedAssembly(t)
	filenames := []string{
		writeTempFile(t, "a.exe", packed),
		writeTempFile(t, "b.exe", packed),
		writeTempFile(t, "c.exe", packed),
		filepath.Join(t.TempDir(), "missing.exe"),
	}

	results := processFilesParallel(filenames)
	if len(results) != len(filenames) {
		t.Fatalf("got %d results, want %d", len(results), len(filenames))
	}
	var failed, recovered int
	for _, r := range results {
		if r.Error != nil {
			failed++
			continue
		}
		recovered += len(r.Methods)
	}
	if failed != 1 || recovered != 3 {
		t.Errorf("failed=%d recovered=%d, want 1 and 3", failed, recovered)
	}
}

func TestUpdateStats(t *testing.T) {
	saved := stats
	stats = &ProcessStats{}
	t.Cleanup(func() { stats = saved })

	updateStats([]ProcessResult{
		{Stats: maxtocode.Stats{Records: 4, Recovered: 3, SkippedZeroRva: 2, SkippedBadMarker: 1}},
		{Stats: maxtocode.Stats{}},
		{Error: errors.New("boom")},
	})
	if stats.Processed != 3 || stats.Failed != 1 || stats.Unpacked != 1 || stats.Recovered != 3 || stats.SkippedRows != 3 {
		t.Errorf("stats = processed %d failed %d unpacked %d recovered %d skipped %d",
			stats.Processed, stats.Failed, stats.Unpacked, stats.Recovered, stats.SkippedRows)
	}
}

func TestClampWorkers(t *testing.T) {
	tests := map[int]int{-3: 1, 0: 1, 1: 1, 8: 8, 16: 16, 64: 16}
	for in, want := range tests {
		if got := clampWorkers(in); got != want {
			t.Errorf("clampWorkers(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestSummarizeRecovery(t *testing.T) {
	ops := summarizeRecovery(maxtocode.Stats{})
	if len(ops) != 1 || ops[0].Applied {
		t.Errorf("unpacked file summary = %v", ops)
	}

	ops = summarizeRecovery(maxtocode.Stats{Records: 5, Recovered: 4, SkippedUnknownRva: 2, IndexMismatches: 1})
	var lines []string
	for _, op := range ops {
		lines = append(lines, op.String())
	}
	want := []string{
		"APPLIED (encrypted method records decrypted, 5 items)",
		"APPLIED (methods recovered, 4 items)",
		"SKIPPED (rows skipped with no encrypted record, 2 items)",
		"SKIPPED (fragment index mismatches, 1 items)",
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("summary:\n%s\nwant:\n%s", strings.Join(lines, "\n"), strings.Join(want, "\n"))
	}
}

func testMethods() map[uint32]*maxtocode.RecoveredMethod {
	return map[uint32]*maxtocode.RecoveredMethod{
		0x06000007: {
			Token: 0x06000007, HeaderFlags: 0x301B, MaxStack: 4, CodeSize: 3,
			LocalVarSigToken: 0x11000002, Code: []byte{0x00, 0x26, 0x2A},
			ExtraSections: []byte{0x01, 0x0C, 0x00, 0x00},
		},
		0x06000002: {
			Token: 0x06000002, Flags: 0x0086, Name: []byte{0x34, 0x12},
			HeaderFlags: 2, MaxStack: 8, CodeSize: 1, Code: []byte{0x2A},
		},
	}
}

func TestEncodeDump(t *testing.T) {
	var buf bytes.Buffer
	if err := encodeDump(&buf, "/tmp/in/app.dll", testMethods()); err != nil {
		t.Fatal(err)
	}

	var dump fileDump
	if err := json.Unmarshal(buf.Bytes(), &dump); err != nil {
		t.Fatal(err)
	}
	if dump.File != "app.dll" || len(dump.Methods) != 2 {
		t.Fatalf("dump = %+v", dump)
	}
	first, second := dump.Methods[0], dump.Methods[1]
	if first.Token != "0x06000002" || second.Token != "0x06000007" {
		t.Errorf("methods not sorted by token: %s, %s", first.Token, second.Token)
	}
	if first.Name != "3412" || first.Code != "2a" || first.ExtraSections != "" {
		t.Errorf("first = %+v", first)
	}
	if second.LocalVarSigToken != "0x11000002" || second.ExtraSections != "010c0000" {
		t.Errorf("second = %+v", second)
	}
	if strings.Contains(buf.String(), `"extraSections": ""`) {
		t.Error("empty extra sections were not omitted")
	}
}

func TestWriteDumpCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	path, err := writeDump(dir, "app.exe", testMethods())
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "app.exe.methods.json") {
		t.Errorf("path = %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error(err)
	}
}

func TestPrintMethodTable(t *testing.T) {
	var buf bytes.Buffer
	printMethodTable(&buf, testMethods())
	out := buf.String()

	for _, want := range []string{"TOKEN", "0x06000002", "0x06000007", "0x301b", "0x11000002", "TOTAL"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "0x06000002") > strings.Index(out, "0x06000007") {
		t.Error("rows not sorted by token")
	}
}

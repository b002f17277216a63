package jit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/tiervm/vm"
)

func compileCount(t *testing.T, c *Compiler) *Code {
	t.Helper()
	rt := vm.NewRuntime(vm.DefaultTunables())
	nc, err := c.Compile(rt, countLoop())
	if err != nil {
		t.Fatal(err)
	}
	return nc.(*Code)
}

func TestExporterWritesAllTargets(t *testing.T) {
	dir := t.TempDir()
	opts := ExportOptions{
		PerfMapPath: filepath.Join(dir, "perf.map"),
		DumpDir:     filepath.Join(dir, "dumps"),
		ProfileDB:   filepath.Join(dir, "profile.db"),
	}
	exp, err := NewExporter(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { exp.Close() })

	c := NewCompiler(NewArena(ChunkSize))
	c.Export = exp
	code := compileCount(t, c)

	perf, err := os.ReadFile(opts.PerfMapPath)
	if err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("%x %x count\n", code.Address, code.Size()); string(perf) != want {
		t.Errorf("perf map = %q, want %q", perf, want)
	}

	data, err := os.ReadFile(exp.DumpPath(code))
	if err != nil {
		t.Fatal(err)
	}
	dump, err := UnmarshalCodeDump(data)
	if err != nil {
		t.Fatal(err)
	}
	if dump.Name != "count" || dump.ID != code.Unit.ID.String() || dump.Address != code.Address {
		t.Errorf("dump header = %s %s %#x", dump.Name, dump.ID, dump.Address)
	}
	if len(dump.Words) != len(code.Prog.Words) || len(dump.Table) != len(code.Unit.Instrs) {
		t.Errorf("dump has %d words and %d table entries", len(dump.Words), len(dump.Table))
	}
	if !strings.Contains(dump.Listing, "ENTER") {
		t.Errorf("dump listing:\n%s", dump.Listing)
	}

	rows, err := exp.Profile()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("profile has %d rows, want 1", len(rows))
	}
	r := rows[0]
	if r.Name != "count" || r.Address != code.Address || r.Size != code.Size() || r.Instructions != len(code.Unit.Instrs) {
		t.Errorf("profile row = %+v", r)
	}
}

func TestExporterRecordsInAddressOrder(t *testing.T) {
	exp, err := NewExporter(ExportOptions{ProfileDB: filepath.Join(t.TempDir(), "profile.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer exp.Close()

	c := NewCompiler(NewArena(ChunkSize))
	c.Export = exp
	first := compileCount(t, c)
	second := compileCount(t, c)

	rows, err := exp.Profile()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Address != first.Address || rows[1].Address != second.Address {
		t.Errorf("rows = %+v", rows)
	}
}

func TestCodeDumpRoundTrip(t *testing.T) {
	c := NewCompiler(NewArena(ChunkSize))
	code := compileCount(t, c)

	data, err := MarshalCodeDump(NewCodeDump(code))
	if err != nil {
		t.Fatal(err)
	}
	again, err := MarshalCodeDump(NewCodeDump(code))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(again) {
		t.Error("canonical encoding is not deterministic")
	}

	dump, err := UnmarshalCodeDump(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(dump.Pool) != len(code.Prog.Pool) {
		t.Errorf("pool = %v", dump.Pool)
	}
	if _, err := UnmarshalCodeDump(data[:len(data)/2]); err == nil {
		t.Error("truncated dump decoded without error")
	}
}

func TestExporterFromTunables(t *testing.T) {
	exp, err := ExporterFromTunables(vm.DefaultTunables())
	if err != nil || exp != nil {
		t.Errorf("default tunables: exporter = %v, err = %v", exp, err)
	}

	tun := vm.DefaultTunables()
	tun.DumpDir = filepath.Join(t.TempDir(), "jit")
	exp, err = ExporterFromTunables(tun)
	if err != nil {
		t.Fatal(err)
	}
	defer exp.Close()
	if _, err := os.Stat(filepath.Join(tun.DumpDir, "profile.db")); err != nil {
		t.Errorf("profile database not created: %v", err)
	}
}

func TestDumpPathIsFileSafe(t *testing.T) {
	exp := &Exporter{dumpDir: "/tmp/d"}
	unit := &vm.FunctionUnit{Name: "Point.<init> x/y"}
	path := exp.DumpPath(&Code{Unit: unit})
	base := filepath.Base(path)
	if strings.ContainsAny(base, "<>/ ") || !strings.HasPrefix(base, "Point._init_") {
		t.Errorf("dump path = %q", path)
	}
}

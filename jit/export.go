package jit

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/sasha-s/go-deadlock"
	_ "modernc.org/sqlite"

	"github.com/chazu/tiervm/vm"
)

// ---------------------------------------------------------------------------
// Export
//
// Compiled units can be published three ways: a perf-style symbol map
// ("ADDR SIZE NAME" per line, hex), one CBOR dump file per unit, and rows
// in a SQLite profile database. All three are diagnostics; the compiler
// logs their failures and carries on.
// ---------------------------------------------------------------------------

var dumpEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("jit: failed to create CBOR enc mode: %v", err))
	}
	dumpEncMode = em
}

// ExportOptions selects the export targets. Empty fields are disabled.
type ExportOptions struct {
	PerfMapPath string
	DumpDir     string
	ProfileDB   string
}

// DefaultPerfMapPath is where external profilers look for the symbol map
// of this process.
func DefaultPerfMapPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("perf-%d.map", os.Getpid()))
}

// Exporter writes compiled units to the configured targets.
type Exporter struct {
	mu deadlock.Mutex

	perf    io.WriteCloser
	dumpDir string
	db      *sql.DB
}

// NewExporter opens the targets named in opts.
func NewExporter(opts ExportOptions) (*Exporter, error) {
	e := &Exporter{dumpDir: opts.DumpDir}

	if opts.PerfMapPath != "" {
		f, err := os.OpenFile(opts.PerfMapPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening perf map: %w", err)
		}
		e.perf = f
	}

	if opts.DumpDir != "" {
		if err := os.MkdirAll(opts.DumpDir, 0o755); err != nil {
			e.Close()
			return nil, fmt.Errorf("creating dump directory: %w", err)
		}
	}

	if opts.ProfileDB != "" {
		db, err := openProfileDB(opts.ProfileDB)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.db = db
	}
	return e, nil
}

// ExporterFromTunables builds an exporter for the runtime's PerfMap and
// DumpDir settings. The profile database lives in the dump directory. It
// returns nil when nothing is enabled.
func ExporterFromTunables(t vm.Tunables) (*Exporter, error) {
	var opts ExportOptions
	if t.PerfMap {
		opts.PerfMapPath = DefaultPerfMapPath()
	}
	if t.DumpDir != "" {
		opts.DumpDir = t.DumpDir
		opts.ProfileDB = filepath.Join(t.DumpDir, "profile.db")
	}
	if opts == (ExportOptions{}) {
		return nil, nil
	}
	return NewExporter(opts)
}

func openProfileDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening profile database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		filename TEXT NOT NULL,
		address INTEGER NOT NULL,
		size INTEGER NOT NULL,
		instructions INTEGER NOT NULL,
		spills INTEGER NOT NULL,
		compiled_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating units table: %w", err)
	}
	return db, nil
}

// CodeDump is the serialized form of a compiled unit.
type CodeDump struct {
	ID       string   `cbor:"id"`
	Name     string   `cbor:"name"`
	Filename string   `cbor:"filename"`
	Address  uint64   `cbor:"address"`
	Words    []uint64 `cbor:"words"`
	Table    []int32  `cbor:"table"`
	Sections []int    `cbor:"sections"`
	Pool     []string `cbor:"pool"`
	Listing  string   `cbor:"listing"`
	Native   []byte   `cbor:"native,omitempty"`
}

// NewCodeDump captures c.
func NewCodeDump(c *Code) *CodeDump {
	d := &CodeDump{
		ID:       c.Unit.ID.String(),
		Name:     c.Unit.Name,
		Filename: c.Unit.Filename,
		Address:  c.Address,
		Words:    c.Prog.Words,
		Table:    c.Prog.Table,
		Sections: c.Prog.Sections[:],
		Listing:  c.Disassemble(),
	}
	if c.Native != nil {
		d.Native = c.Native.Bytes
	}
	for i := range c.Prog.Pool {
		d.Pool = append(d.Pool, poolRepr(c.Prog, i))
	}
	return d
}

// MarshalCodeDump serializes a dump to canonical CBOR.
func MarshalCodeDump(d *CodeDump) ([]byte, error) {
	return dumpEncMode.Marshal(d)
}

// UnmarshalCodeDump deserializes a dump.
func UnmarshalCodeDump(data []byte) (*CodeDump, error) {
	var d CodeDump
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal code dump: %w", err)
	}
	return &d, nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// DumpPath returns the file a unit's dump is written to.
func (e *Exporter) DumpPath(c *Code) string {
	name := unsafeFileChars.ReplaceAllString(c.Unit.Name, "_")
	return filepath.Join(e.dumpDir, fmt.Sprintf("%s-%s.cbor", name, c.Unit.ID))
}

// Record publishes c to every enabled target and reports all failures.
func (e *Exporter) Record(c *Code) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result *multierror.Error
	if e.perf != nil {
		if _, err := fmt.Fprintf(e.perf, "%x %x %s\n", c.Address, c.Size(), c.Unit.Name); err != nil {
			result = multierror.Append(result, fmt.Errorf("perf map: %w", err))
		}
	}
	if e.dumpDir != "" {
		data, err := MarshalCodeDump(NewCodeDump(c))
		if err == nil {
			err = os.WriteFile(e.DumpPath(c), data, 0o644)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("code dump: %w", err))
		}
	}
	if e.db != nil {
		reachable := 0
		for _, addr := range c.Prog.Table {
			if addr >= 0 {
				reachable++
			}
		}
		_, err := e.db.Exec(
			"INSERT OR REPLACE INTO units (id, name, filename, address, size, instructions, spills, compiled_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			c.Unit.ID.String(), c.Unit.Name, c.Unit.Filename, int64(c.Address), c.Size(), reachable, c.Spills,
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("profile database: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// ProfileRow is one compiled unit as recorded in the profile database.
type ProfileRow struct {
	ID           string
	Name         string
	Address      uint64
	Size         int
	Instructions int
}

// Profile lists the recorded units in address order.
func (e *Exporter) Profile() ([]ProfileRow, error) {
	if e.db == nil {
		return nil, nil
	}
	rows, err := e.db.Query("SELECT id, name, address, size, instructions FROM units ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	defer rows.Close()

	var out []ProfileRow
	for rows.Next() {
		var r ProfileRow
		var addr int64
		if err := rows.Scan(&r.ID, &r.Name, &addr, &r.Size, &r.Instructions); err != nil {
			return nil, fmt.Errorf("scanning profile row: %w", err)
		}
		r.Address = uint64(addr)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes every open target.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result *multierror.Error
	if e.perf != nil {
		if err := e.perf.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		e.perf = nil
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		e.db = nil
	}
	return result.ErrorOrNil()
}

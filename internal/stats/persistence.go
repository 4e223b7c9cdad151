package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// totalsVersion is bumped when the schema changes.
	totalsVersion = 1

	totalsFileName = "totals.json"
	appDirName     = "render-bridge"
)

// Totals is the lifetime aggregate across all rounds. It is loaded from and
// saved to ~/.local/state/render-bridge/totals.json (respecting
// XDG_STATE_HOME).
type Totals struct {
	Version int `json:"version"`

	TotalRounds     int            `json:"totalRounds"`
	Completed       int            `json:"completed"`
	Cancelled       int            `json:"cancelled"`
	Errors          int            `json:"errors"`
	LicenseFailures int            `json:"licenseFailures"`
	RoundsPerMode   map[string]int `json:"roundsPerMode"`

	RenderSeconds   float64 `json:"renderSeconds"`
	MaxRoundSeconds float64 `json:"maxRoundSeconds"`
	OutputsWritten  int     `json:"outputsWritten"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// Store handles loading and saving Totals to disk.
type Store struct {
	dir string
}

// NewStore creates a Store in dir. Pass an empty string to use the default
// XDG state path.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultStateDir()
	}
	return &Store{dir: dir}
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, totalsFileName)
}

// Load reads totals from disk. A missing file yields zero totals.
func (s *Store) Load() (*Totals, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return newTotals(), nil
		}
		return nil, fmt.Errorf("reading totals: %w", err)
	}

	var t Totals
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing totals: %w", err)
	}
	if t.RoundsPerMode == nil {
		t.RoundsPerMode = make(map[string]int)
	}
	return &t, nil
}

// Save writes totals using an atomic temp-file-then-rename.
func (s *Store) Save(t *Totals) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	t.Version = totalsVersion
	t.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling totals: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".totals-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming totals file: %w", err)
	}
	committed = true
	return nil
}

func newTotals() *Totals {
	return &Totals{
		Version:       totalsVersion,
		RoundsPerMode: make(map[string]int),
	}
}

func (t *Totals) clone() *Totals {
	cp := *t
	cp.RoundsPerMode = make(map[string]int, len(t.RoundsPerMode))
	for k, v := range t.RoundsPerMode {
		cp.RoundsPerMode[k] = v
	}
	return &cp
}

func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}

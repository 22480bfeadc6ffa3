// Package layout persists measurement records into the
// datos/proyecto_<p>/<device>/<date>/*.csv tree.
package layout

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cplus-sensores/colector/internal/models"
)

// ProjectPrefix prefixes every project folder name.
const ProjectPrefix = "proyecto_"

// Writer appends CSV files to the layout. Existing files are never
// rewritten; every call produces a new file.
type Writer struct {
	root  string
	now   func() time.Time
	newID func() string
}

// NewWriter returns a writer rooted at root (usually "datos").
func NewWriter(root string) *Writer {
	return &Writer{
		root:  root,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Root returns the layout root directory.
func (w *Writer) Root() string { return w.root }

// DeviceDir is the folder holding all date folders of a device.
func DeviceDir(root string, key models.DeviceKey) string {
	return filepath.Join(root, ProjectPrefix+key.Project.String(), key.Code)
}

// DateDir is the folder for one device and date.
func DateDir(root string, key models.DeviceKey, date models.Date) string {
	return filepath.Join(DeviceDir(root, key), date.String())
}

// Write stores records as a new CSV file in the device's date folder and
// returns its path. The header is the union of all record columns in order
// of first appearance.
func (w *Writer) Write(key models.DeviceKey, date models.Date, records []models.Record) (string, error) {
	if len(records) == 0 {
		return "", errors.New("no records to write")
	}
	if date.IsZero() {
		return "", errors.New("missing date folder")
	}

	dir := DateDir(w.root, key, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create date folder: %w", err)
	}

	name := fmt.Sprintf("datos_%s_%s.csv", w.now().UTC().Format("20060102T150405"), w.newID())
	final := filepath.Join(dir, name)

	tmp, err := os.OpenFile(filepath.Join(dir, "."+name+".part"), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create csv: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := encodeCSV(tmp, records); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write csv: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close csv: %w", err)
	}

	if _, err := os.Stat(final); err == nil {
		return "", fmt.Errorf("csv %s already exists", final)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("publish csv: %w", err)
	}
	committed = true
	return final, nil
}

func encodeCSV(f *os.File, records []models.Record) error {
	columns := Columns(records)

	bw := bufio.NewWriter(f)
	cw := csv.NewWriter(bw)
	if err := cw.Write(columns); err != nil {
		return err
	}

	row := make([]string, len(columns))
	for _, rec := range records {
		for i, col := range columns {
			v, _ := rec.Get(col)
			row[i] = v
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// Columns returns the union of record columns in order of first appearance.
func Columns(records []models.Record) []string {
	seen := make(map[string]struct{})
	var columns []string
	for _, rec := range records {
		for _, k := range rec.Keys() {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			columns = append(columns, k)
		}
	}
	return columns
}

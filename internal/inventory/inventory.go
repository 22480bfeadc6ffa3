// Package inventory scans the data layout and summarises what is on disk.
// The layout is the ground truth for what has been collected; registry
// bookmarks are only a hint over it.
package inventory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cplus-sensores/colector/internal/layout"
	"github.com/cplus-sensores/colector/internal/models"
)

// FileSummary describes one CSV file.
type FileSummary struct {
	Name    string `json:"name"`
	Records int    `json:"records"`
	Error   string `json:"error,omitempty"`
}

// DateFolder summarises one device/date folder.
type DateFolder struct {
	Date      string        `json:"date"`
	Files     []FileSummary `json:"files"`
	Records   int           `json:"records"`
	FirstSeen *time.Time    `json:"first_fecha,omitempty"`
	LastSeen  *time.Time    `json:"last_fecha,omitempty"`
}

// Device groups the date folders of one device.
type Device struct {
	Code    string       `json:"codigo_interno"`
	Dates   []DateFolder `json:"dates"`
	Records int          `json:"records"`
}

// Project groups the devices of one project folder.
type Project struct {
	ID      models.ProjectID `json:"proyecto"`
	Devices []Device         `json:"devices"`
}

// Inventory is the result of a scan.
type Inventory struct {
	Root     string    `json:"root"`
	Projects []Project `json:"projects"`
}

// Options controls how CSV content is summarised.
type Options struct {
	// DateField is the column holding record timestamps.
	DateField string
	// SkipContent only lists files without reading them.
	SkipContent bool
}

// Scan walks root and returns every project, device and date folder in
// lexical order. A missing root yields an empty inventory. Unreadable or
// malformed CSV files are reported on the file and do not stop the scan.
func Scan(root string, opts Options) (Inventory, error) {
	if opts.DateField == "" {
		opts.DateField = "fecha"
	}
	inv := Inventory{Root: root, Projects: []Project{}}

	projects, err := subdirs(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return inv, nil
		}
		return inv, fmt.Errorf("scan %s: %w", root, err)
	}

	for _, pname := range projects {
		if !strings.HasPrefix(pname, layout.ProjectPrefix) {
			continue
		}
		proj := Project{ID: models.ProjectID(strings.TrimPrefix(pname, layout.ProjectPrefix)), Devices: []Device{}}

		devices, err := subdirs(filepath.Join(root, pname))
		if err != nil {
			return inv, fmt.Errorf("scan %s: %w", pname, err)
		}
		for _, code := range devices {
			dev, err := scanDevice(filepath.Join(root, pname, code), code, opts)
			if err != nil {
				return inv, err
			}
			proj.Devices = append(proj.Devices, dev)
		}
		inv.Projects = append(inv.Projects, proj)
	}
	return inv, nil
}

func scanDevice(dir, code string, opts Options) (Device, error) {
	dev := Device{Code: code, Dates: []DateFolder{}}

	dates, err := subdirs(dir)
	if err != nil {
		return dev, fmt.Errorf("scan %s: %w", dir, err)
	}
	for _, date := range dates {
		folder, err := scanDate(filepath.Join(dir, date), date, opts)
		if err != nil {
			return dev, err
		}
		dev.Records += folder.Records
		dev.Dates = append(dev.Dates, folder)
	}
	return dev, nil
}

func scanDate(dir, date string, opts Options) (DateFolder, error) {
	folder := DateFolder{Date: date, Files: []FileSummary{}}

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return folder, err
	}
	sort.Strings(files)

	for _, path := range files {
		fs := FileSummary{Name: filepath.Base(path)}
		if !opts.SkipContent {
			n, first, last, err := summarise(path, opts.DateField)
			fs.Records = n
			if err != nil {
				fs.Error = err.Error()
			}
			folder.Records += n
			folder.FirstSeen = earliest(folder.FirstSeen, first)
			folder.LastSeen = latest(folder.LastSeen, last)
		}
		folder.Files = append(folder.Files, fs)
	}
	return folder, nil
}

// summarise counts the rows of a CSV file and the range of its date column.
// Rows read before a parse error are still counted.
func summarise(path, dateField string) (int, *time.Time, *time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, nil, nil
		}
		return 0, nil, nil, err
	}

	col := -1
	for i, h := range header {
		if strings.TrimSpace(h) == dateField {
			col = i
			break
		}
	}

	var n int
	var first, last *time.Time
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return n, first, last, nil
		}
		if err != nil {
			return n, first, last, err
		}
		n++
		if col < 0 || col >= len(row) {
			continue
		}
		if ts, ok := models.ParseTimestamp(row[col]); ok {
			first = earliest(first, &ts)
			last = latest(last, &ts)
		}
	}
}

func earliest(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.Before(*a)) {
		return b
	}
	return a
}

func latest(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.After(*a)) {
		return b
	}
	return a
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Frontier returns the latest date folder of a device that holds at least
// one CSV file. ok is false when the device has no data on disk.
func Frontier(root string, key models.DeviceKey) (models.Date, bool, error) {
	dates, err := subdirs(layout.DeviceDir(root, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Date{}, false, nil
		}
		return models.Date{}, false, err
	}

	var best models.Date
	found := false
	for _, name := range dates {
		d, err := models.ParseDate(name)
		if err != nil {
			continue
		}
		files, _ := filepath.Glob(filepath.Join(layout.DateDir(root, key, d), "*.csv"))
		if len(files) == 0 {
			continue
		}
		if !found || d.After(best) {
			best, found = d, true
		}
	}
	return best, found, nil
}

// Find returns the summary for one device, if present.
func (inv Inventory) Find(key models.DeviceKey) (Device, bool) {
	for _, p := range inv.Projects {
		if p.ID != key.Project {
			continue
		}
		for _, d := range p.Devices {
			if d.Code == key.Code {
				return d, true
			}
		}
	}
	return Device{}, false
}

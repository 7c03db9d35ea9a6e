package workspace

import (
	"encoding/csv"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Workspace is the per-job scratch area. It resolves cache hits, lazily
// creates a temp directory with one open writer per logical file name, and
// finalises the job into a ZIP archive in the store directory.
type Workspace struct {
	params      map[string]string
	fingerprint string
	store       string
	tempRoot    string
	cacheTTL    time.Duration

	dir     string
	order   []string
	files   map[string]*workFile
	zipName string
}

type workFile struct {
	file *os.File
	csv  *csv.Writer
	rows int
}

// New creates a workspace for a request descriptor. No filesystem state is
// touched until the first writer is requested.
func New(params map[string]string, store, tempRoot string, cacheTTL time.Duration) *Workspace {
	return &Workspace{
		params:      params,
		fingerprint: Fingerprint(params),
		store:       store,
		tempRoot:    tempRoot,
		cacheTTL:    cacheTTL,
		files:       map[string]*workFile{},
	}
}

// Fingerprint returns the cache key of the request descriptor.
func (w *Workspace) Fingerprint() string {
	return w.fingerprint
}

// ZipFileExists reports whether a valid archive already exists for this
// request, either created by this workspace or found in the cache.
func (w *Workspace) ZipFileExists() bool {
	if w.zipName != "" {
		return true
	}
	if cached := w.cachedZip(); cached != "" {
		w.zipName = cached
		return true
	}
	return false
}

// ZipFileName returns the archive path. Valid once ZipFileExists has
// returned true or CreateZip has succeeded.
func (w *Workspace) ZipFileName() string {
	return w.zipName
}

// cachedZip scans the store directory for an archive whose basename starts
// with the fingerprint and whose mtime is within the cache TTL. The first
// match wins; expired duplicates are left for the store janitor.
func (w *Workspace) cachedZip() string {
	entries, err := os.ReadDir(w.store)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), w.fingerprint) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < w.cacheTTL {
			return filepath.Join(w.store, entry.Name())
		}
	}
	return ""
}

// Writer returns an open writer for the logical file name, creating the
// workspace directory and the file on first use. Pass an empty name to use
// the request's default file name.
func (w *Workspace) Writer(name string) (*os.File, error) {
	wf, err := w.open(name)
	if err != nil {
		return nil, err
	}
	return wf.file, nil
}

// CSVWriter returns a CSV writer for the logical file name. The delimiter
// follows the requested format: tab for tsv, comma otherwise. Records are
// terminated with a single LF.
func (w *Workspace) CSVWriter(name string) (*csv.Writer, error) {
	wf, err := w.open(name)
	if err != nil {
		return nil, err
	}
	if wf.csv == nil {
		wf.csv = csv.NewWriter(wf.file)
		if w.params["format"] == "tsv" {
			wf.csv.Comma = '\t'
		}
	}
	return wf.csv, nil
}

// Rows returns the number of data rows written through the CSV writer for
// the given logical name. Header rows are counted too.
func (w *Workspace) Rows(name string) int {
	if wf, ok := w.files[w.resolveName(name)]; ok {
		return wf.rows
	}
	return 0
}

// CountRow records that one CSV row was written to the named file.
func (w *Workspace) CountRow(name string) {
	if wf, ok := w.files[w.resolveName(name)]; ok {
		wf.rows++
	}
}

// Dir returns the workspace directory, or the empty string before the first
// writer is opened.
func (w *Workspace) Dir() string {
	return w.dir
}

// FilePath returns the on-disk path of a logical file name.
func (w *Workspace) FilePath(name string) string {
	return filepath.Join(w.dir, w.resolveName(name))
}

// open creates the workspace directory and the named file on first use.
func (w *Workspace) open(name string) (*workFile, error) {
	name = w.resolveName(name)
	if wf, ok := w.files[name]; ok {
		return wf, nil
	}
	if w.dir == "" {
		dir, err := os.MkdirTemp(w.tempRoot, w.fingerprint+"-")
		if err != nil {
			return nil, fmt.Errorf("creating workspace directory: %w", err)
		}
		w.dir = dir
	}
	f, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return nil, fmt.Errorf("creating work file %s: %w", name, err)
	}
	wf := &workFile{file: f}
	w.files[name] = wf
	w.order = append(w.order, name)
	return wf, nil
}

// resolveName applies the default-name rule and the format suffix remap.
// When no name is given, the basename of the resource_url path is used if
// present, otherwise the resource_id. A trailing .csv is remapped to .tsv
// for tsv requests.
func (w *Workspace) resolveName(name string) string {
	if name == "" {
		name = w.defaultName()
	}
	if strings.HasSuffix(name, ".csv") && w.params["format"] == "tsv" {
		name = strings.TrimSuffix(name, ".csv") + ".tsv"
	}
	return name
}

func (w *Workspace) defaultName() string {
	if raw := w.params["resource_url"]; raw != "" {
		if u, err := url.Parse(raw); err == nil {
			if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
				return base
			}
		}
	}
	return w.params["resource_id"]
}

// ReplaceFile swaps the logical file name's on-disk content for another
// file, closing and dropping the original. Used by xlsx finalisation, which
// rewrites a CSV work file into a spreadsheet.
func (w *Workspace) ReplaceFile(oldName, newName string) error {
	oldName = w.resolveName(oldName)
	wf, ok := w.files[oldName]
	if !ok {
		return fmt.Errorf("no work file named %s", oldName)
	}
	if wf.csv != nil {
		wf.csv.Flush()
	}
	if err := wf.file.Close(); err != nil {
		return err
	}
	if err := os.Remove(wf.file.Name()); err != nil {
		return err
	}
	delete(w.files, oldName)
	for i, n := range w.order {
		if n == oldName {
			w.order[i] = newName
		}
	}
	w.files[newName] = &workFile{}
	return nil
}

// Clean closes every writer and removes the workspace directory. It is safe
// to call on every exit path, including after CreateZip.
func (w *Workspace) Clean() {
	for _, wf := range w.files {
		if wf.csv != nil {
			wf.csv.Flush()
		}
		if wf.file != nil {
			wf.file.Close()
		}
	}
	w.files = map[string]*workFile{}
	w.order = nil
	if w.dir != "" {
		os.RemoveAll(w.dir)
		w.dir = ""
	}
}

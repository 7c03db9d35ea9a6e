package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/shlex"

	pkgerrors "github.com/ckanops/packager/pkg/errors"
)

// CreateZip flushes every writer and invokes the configured zip command once
// per work file, producing <store>/<fingerprint>-<pid>-<epoch>.zip. The
// command template is tokenised with shell-style quoting first and the
// {input}/{output} placeholders are substituted token-wise afterwards, so
// file names are never re-interpreted by a shell.
func (w *Workspace) CreateZip(commandTemplate string) error {
	for _, wf := range w.files {
		if wf.csv != nil {
			wf.csv.Flush()
			if err := wf.csv.Error(); err != nil {
				return fmt.Errorf("flushing csv writer: %w", err)
			}
		}
		if wf.file != nil {
			if err := wf.file.Sync(); err != nil {
				return fmt.Errorf("syncing work file: %w", err)
			}
		}
	}

	tokens, err := shlex.Split(commandTemplate)
	if err != nil {
		return fmt.Errorf("%w: parsing zip command: %v", pkgerrors.ErrArchive, err)
	}

	zipName := filepath.Join(w.store, fmt.Sprintf("%s-%d-%d.zip",
		w.fingerprint, os.Getpid(), time.Now().Unix()))

	for _, name := range w.order {
		input := filepath.Join(w.dir, name)
		args := make([]string, len(tokens))
		for i, tok := range tokens {
			switch tok {
			case "{input}":
				args[i] = input
			case "{output}":
				args[i] = zipName
			default:
				args[i] = tok
			}
		}
		cmd := exec.Command(args[0], args[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%w: zip command failed for %s: %v: %s",
				pkgerrors.ErrArchive, name, err, out)
		}
	}

	w.zipName = zipName
	return nil
}

package task

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckanops/packager/config"
	"github.com/ckanops/packager/pkg/logging"
	"github.com/ckanops/packager/pkg/stats"
	"github.com/ckanops/packager/pkg/workspace"
)

type stubMailer struct {
	sent []Message
	err  error
}

func (m *stubMailer) Send(msg Message) error {
	m.sent = append(m.sent, msg)
	return m.err
}

// stubTask drives the shared pipeline with a canned archive build.
type stubTask struct {
	desc    *Descriptor
	cfg     *config.Config
	built   int
	buildFn func(ws *workspace.Workspace) error
}

func (t *stubTask) Name() string { return "stub" }

func (t *stubTask) Descriptor() *Descriptor { return t.desc }

func (t *stubTask) Host() string { return "data.example.org" }

func (t *stubTask) Speed() Speed { return SpeedFast }

func (t *stubTask) CreateZip(ws *workspace.Workspace) error {
	defer ws.Clean()
	t.built++
	if t.buildFn != nil {
		return t.buildFn(ws)
	}
	w, err := ws.Writer("data.txt")
	if err != nil {
		return err
	}
	if _, err := w.WriteString("content"); err != nil {
		return err
	}
	return ws.CreateZip(t.cfg.ZipCommand)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Secret = "secret"
	cfg.StoreDirectory = t.TempDir()
	cfg.TempDirectory = t.TempDir()
	cfg.StatsDB = filepath.Join(t.TempDir(), "stats.db")
	cfg.ZipCommand = "/bin/cp {input} {output}"
	cfg.EmailFrom = "packager@example.org"
	cfg.EmailSubject = "Resource from {ckan_host}"
	cfg.EmailBody = "Download {zip_file_name}"
	cfg.EmailBodyHTML = "<p>Download {zip_file_name}</p>"
	cfg.DOIBody = "Cite {doi}."
	cfg.DOIBodyHTML = "<p>Cite {doi}.</p>"
	return cfg
}

func testDriver(t *testing.T, cfg *config.Config) (*Driver, *stats.Store, *stubMailer) {
	t.Helper()
	store, err := stats.Open(cfg.StatsDB, false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	mailer := &stubMailer{}
	return NewDriver(cfg, store, mailer, logging.Nop()), store, mailer
}

func newStubTask(t *testing.T, cfg *config.Config, params map[string]string) *stubTask {
	t.Helper()
	desc, err := NewDescriptor(params, Schema{
		"limit": {Preprocess: nonNegativeInt},
		"doi":   {},
	})
	require.NoError(t, err)
	return &stubTask{desc: desc, cfg: cfg}
}

func TestDriverRunSuccess(t *testing.T) {
	cfg := testConfig(t)
	driver, store, mailer := testDriver(t, cfg)
	task := newStubTask(t, cfg, map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
	})

	require.NoError(t, driver.Run(task))

	assert.Equal(t, 1, task.built)
	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, "a@x.com", msg.To)
	assert.Equal(t, "packager@example.org", msg.From)
	assert.Equal(t, "Resource from data.example.org", msg.Subject)
	assert.Contains(t, msg.Text, ".zip")

	totals, err := store.GetTotals(stats.Filters{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals["r1"].Requests)
	assert.Equal(t, int64(1), totals[stats.AllResources].Requests)
	assert.Equal(t, int64(0), totals[stats.AllResources].Errors)
}

func TestDriverRunCacheHit(t *testing.T) {
	cfg := testConfig(t)
	driver, store, mailer := testDriver(t, cfg)
	params := map[string]string{"resource_id": "r1", "email": "a@x.com"}

	cached := filepath.Join(cfg.StoreDirectory, workspace.Fingerprint(params)+"-1-1.zip")
	require.NoError(t, os.WriteFile(cached, []byte("zip"), 0o644))

	task := newStubTask(t, cfg, params)
	require.NoError(t, driver.Run(task))

	// The archive came from the cache; the build step never ran.
	assert.Equal(t, 0, task.built)
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].Text, filepath.Base(cached))

	totals, err := store.GetTotals(stats.Filters{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals["r1"].Requests)
}

func TestDriverRunSharedCacheAcrossEmails(t *testing.T) {
	cfg := testConfig(t)
	driver, store, mailer := testDriver(t, cfg)

	first := newStubTask(t, cfg, map[string]string{"resource_id": "r1", "email": "a@x.com"})
	require.NoError(t, driver.Run(first))

	second := newStubTask(t, cfg, map[string]string{"resource_id": "r1", "email": "b@x.com"})
	require.NoError(t, driver.Run(second))

	assert.Equal(t, 1, first.built)
	assert.Equal(t, 0, second.built)
	require.Len(t, mailer.sent, 2)
	assert.Equal(t, mailer.sent[0].Text, mailer.sent[1].Text)

	totals, err := store.GetTotals(stats.Filters{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals["r1"].Requests)
	assert.Equal(t, int64(2), totals["r1"].Emails)
}

func TestDriverRunFailureIsLogged(t *testing.T) {
	cfg := testConfig(t)
	driver, store, mailer := testDriver(t, cfg)
	task := newStubTask(t, cfg, map[string]string{"resource_id": "r1", "email": "a@x.com"})
	task.buildFn = func(ws *workspace.Workspace) error {
		return errors.New("archive build exploded")
	}

	err := driver.Run(task)
	require.Error(t, err)

	assert.Empty(t, mailer.sent)

	rows, rowsErr := store.GetErrors(0, 10, stats.Filters{})
	require.NoError(t, rowsErr)
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0].ResourceID)
	assert.Contains(t, rows[0].Message, "archive build exploded")

	totals, totalsErr := store.GetTotals(stats.Filters{})
	require.NoError(t, totalsErr)
	assert.Equal(t, int64(1), totals[stats.AllResources].Errors)
}

func TestDriverRunRecoversPanic(t *testing.T) {
	cfg := testConfig(t)
	driver, store, _ := testDriver(t, cfg)
	task := newStubTask(t, cfg, map[string]string{"resource_id": "r1", "email": "a@x.com"})
	task.buildFn = func(ws *workspace.Workspace) error {
		panic("unexpected state")
	}

	err := driver.Run(task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected state")

	rows, rowsErr := store.GetErrors(0, 10, stats.Filters{})
	require.NoError(t, rowsErr)
	require.Len(t, rows, 1)
}

func TestDriverRunSMTPFailure(t *testing.T) {
	cfg := testConfig(t)
	driver, store, mailer := testDriver(t, cfg)
	mailer.err = errors.New("relay refused")
	task := newStubTask(t, cfg, map[string]string{"resource_id": "r1", "email": "a@x.com"})

	err := driver.Run(task)
	require.Error(t, err)

	// The archive stays cached even though the notification failed.
	retry := newStubTask(t, cfg, map[string]string{"resource_id": "r1", "email": "a@x.com"})
	mailer.err = nil
	require.NoError(t, driver.Run(retry))
	assert.Equal(t, 0, retry.built)

	rows, rowsErr := store.GetErrors(0, 10, stats.Filters{})
	require.NoError(t, rowsErr)
	assert.Len(t, rows, 1)
}

func TestDriverRunLogsRequestedLimit(t *testing.T) {
	cfg := testConfig(t)
	driver, store, _ := testDriver(t, cfg)
	task := newStubTask(t, cfg, map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
		"limit":       "1234",
	})

	require.NoError(t, driver.Run(task))

	rows, err := store.GetRequests(0, 10, stats.Filters{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Count)
	assert.Equal(t, int64(1234), *rows[0].Count)
}

func TestDriverRunDOIPlaceholders(t *testing.T) {
	cfg := testConfig(t)
	cfg.EmailBody = "{doi_body} Download {zip_file_name}"
	driver, _, mailer := testDriver(t, cfg)
	task := newStubTask(t, cfg, map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
		"doi":         "10.1234/abcd",
	})

	require.NoError(t, driver.Run(task))
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].Text, "Cite 10.1234/abcd.")
}

func TestDatastoreSpeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.SlowRequest = 1000

	small, err := NewDatastoreTask(map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
		"api_url":     "http://catalog.example.org/api/search",
		"limit":       "10",
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, SpeedFast, small.Speed())

	large, err := NewDatastoreTask(map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
		"api_url":     "http://catalog.example.org/api/search",
		"limit":       "5000",
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, SpeedSlow, large.Speed())

	unbounded, err := NewDatastoreTask(map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
		"api_url":     "http://catalog.example.org/api/search",
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, SpeedSlow, unbounded.Speed())

	// A cached archive makes any request fast.
	params := map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
		"api_url":     "http://catalog.example.org/api/search",
	}
	cached := filepath.Join(cfg.StoreDirectory, workspace.Fingerprint(params)+"-1-1.zip")
	require.NoError(t, os.WriteFile(cached, []byte("zip"), 0o644))
	// Keep the mtime fresh relative to the cache TTL.
	now := time.Now()
	require.NoError(t, os.Chtimes(cached, now, now))

	cachedTask, err := NewDatastoreTask(params, cfg)
	require.NoError(t, err)
	assert.Equal(t, SpeedFast, cachedTask.Speed())
}

func TestDatastoreHost(t *testing.T) {
	cfg := testConfig(t)
	task, err := NewDatastoreTask(map[string]string{
		"resource_id": "r1",
		"email":       "a@x.com",
		"api_url":     "http://catalog.example.org:8080/api/search",
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "catalog.example.org:8080", task.Host())
}

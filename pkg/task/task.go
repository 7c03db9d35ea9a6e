package task

import (
	"fmt"
	"path/filepath"
	"runtime/debug"

	"github.com/ckanops/packager/config"
	"github.com/ckanops/packager/pkg/logging"
	"github.com/ckanops/packager/pkg/stats"
	"github.com/ckanops/packager/pkg/workspace"
)

// Speed classifies a task's expected duration; the ingress routes tasks to
// the fast or slow pool accordingly. The split is advisory.
type Speed string

const (
	SpeedFast Speed = "fast"
	SpeedSlow Speed = "slow"
)

// Task is one export job. Variants supply their schema-validated
// descriptor, the host name used in email placeholders, a speed estimate
// and the archive construction; the Driver supplies everything else.
type Task interface {
	// Name identifies the variant in logs ("datastore", "url", "dwc-archive").
	Name() string

	// Descriptor returns the validated request.
	Descriptor() *Descriptor

	// Host returns the host name substituted into email templates.
	Host() string

	// Speed estimates the task duration for pool routing.
	Speed() Speed

	// CreateZip builds the archive into the workspace's store directory.
	// Implementations own workspace cleanup on every exit path.
	CreateZip(ws *workspace.Workspace) error
}

// Driver runs tasks through the shared pipeline: workspace construction,
// cache check, archive creation, email notification and outcome logging.
type Driver struct {
	cfg    *config.Config
	stats  *stats.Store
	mailer Mailer
	log    logging.Logger
}

// NewDriver creates a task driver. A nil mailer defaults to SMTP delivery
// with the configured server.
func NewDriver(cfg *config.Config, st *stats.Store, mailer Mailer, log logging.Logger) *Driver {
	if mailer == nil {
		mailer = NewSMTPMailer(cfg)
	}
	return &Driver{cfg: cfg, stats: st, mailer: mailer, log: log}
}

// Workspace constructs the workspace keyed by a task's descriptor.
func (d *Driver) Workspace(t Task) *workspace.Workspace {
	return workspace.New(
		t.Descriptor().Raw,
		d.cfg.StoreDirectory,
		d.cfg.TempDirectory,
		d.cfg.CacheTime.Std(),
	)
}

// Run executes one task to completion. Any failure (including panics inside
// the variant) is recorded as an errors row with the stack attached, then
// returned to the worker.
func (d *Driver) Run(t Task) (err error) {
	desc := t.Descriptor()
	log := d.log.With(
		logging.F("task", t.Name()),
		logging.F("resource_id", desc.Get("resource_id")),
	)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
		if err != nil {
			message := fmt.Sprintf("%v\n%s", err, debug.Stack())
			if logErr := d.stats.LogError(desc.Get("resource_id"), desc.Get("email"), message); logErr != nil {
				log.Error("failed to record task error", logging.Err(logErr))
			}
			log.Error("task failed", logging.Err(err))
		}
	}()

	ws := d.Workspace(t)
	if ws.ZipFileExists() {
		log.Info("found archive in cache", logging.F("zip_file", ws.ZipFileName()))
	} else {
		log.Info("building archive")
		if err = t.CreateZip(ws); err != nil {
			return err
		}
	}

	zipName := filepath.Base(ws.ZipFileName())
	log.Info("emailing archive link", logging.F("zip_file", zipName))
	if err = d.sendEmail(t, zipName); err != nil {
		return err
	}

	var count *int64
	if desc.Has("limit") {
		n := int64(desc.Int("limit"))
		count = &n
	}
	if err = d.stats.LogRequest(desc.Get("resource_id"), desc.Get("email"), count); err != nil {
		return err
	}
	log.Info("task completed")
	return nil
}

// sendEmail builds the placeholder set and delivers the notification as a
// multipart alternative message.
func (d *Driver) sendEmail(t Task, zipFileName string) error {
	desc := t.Descriptor()
	placeholders := map[string]string{
		"resource_id":   desc.Get("resource_id"),
		"zip_file_name": zipFileName,
		"ckan_host":     t.Host(),
		"doi":           desc.Get("doi"),
		"doi_body":      "",
		"doi_body_html": "",
	}
	if placeholders["doi"] != "" {
		placeholders["doi_body"] = formatTemplate(d.cfg.DOIBody, placeholders)
		placeholders["doi_body_html"] = formatTemplate(d.cfg.DOIBodyHTML, placeholders)
	}

	msg := Message{
		From:    formatTemplate(d.cfg.EmailFrom, placeholders),
		To:      desc.Get("email"),
		Subject: formatTemplate(d.cfg.EmailSubject, placeholders),
		Text:    formatTemplate(d.cfg.EmailBody, placeholders),
		HTML:    formatTemplate(d.cfg.EmailBodyHTML, placeholders),
	}
	return d.mailer.Send(msg)
}

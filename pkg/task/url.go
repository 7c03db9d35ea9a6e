package task

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ckanops/packager/config"
	pkgerrors "github.com/ckanops/packager/pkg/errors"
	"github.com/ckanops/packager/pkg/workspace"
)

// URLTask downloads a resource file verbatim and archives it. The file name
// inside the archive is derived from the URL path.
type URLTask struct {
	desc   *Descriptor
	cfg    *config.Config
	client *http.Client
}

func urlSchema() Schema {
	return Schema{
		"resource_url": {Required: true},
		"key":          {},
		"doi":          {},
	}
}

// NewURLTask validates a plain-download request.
func NewURLTask(params map[string]string, cfg *config.Config) (*URLTask, error) {
	desc, err := NewDescriptor(params, urlSchema())
	if err != nil {
		return nil, err
	}
	return &URLTask{
		desc:   desc,
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (t *URLTask) Name() string { return "url" }

func (t *URLTask) Descriptor() *Descriptor { return t.desc }

// Host returns the host of the resource URL.
func (t *URLTask) Host() string {
	if u, err := url.Parse(t.desc.Get("resource_url")); err == nil {
		return u.Host
	}
	return ""
}

// Speed is always fast: a single download is bounded by the client timeout.
func (t *URLTask) Speed() Speed {
	return SpeedFast
}

// SetHTTPClient replaces the HTTP client. Used by tests.
func (t *URLTask) SetHTTPClient(c *http.Client) {
	t.client = c
}

// CreateZip downloads the resource into the workspace's default-named file
// and archives it.
func (t *URLTask) CreateZip(ws *workspace.Workspace) error {
	defer ws.Clean()

	resourceURL := t.desc.Get("resource_url")
	req, err := http.NewRequest(http.MethodGet, resourceURL, nil)
	if err != nil {
		return fmt.Errorf("%w: building request for %s: %v", pkgerrors.ErrUpstreamTransport, resourceURL, err)
	}
	if key := t.desc.Get("key"); key != "" {
		req.Header.Set("Authorization", key)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetching %s: %v", pkgerrors.ErrUpstreamTransport, resourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %s", pkgerrors.ErrUpstreamTransport, resourceURL, resp.Status)
	}

	out, err := ws.Writer("")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("%w: downloading %s: %v", pkgerrors.ErrUpstreamTransport, resourceURL, err)
	}
	return ws.CreateZip(t.cfg.ZipCommand)
}

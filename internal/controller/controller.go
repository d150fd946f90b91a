// Package controller owns the sharing registry and drives the service
// supervisor, the download pipelines and the browse session. Every user
// action enters here.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/browse"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/config"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/download"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/events"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/service"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/supervisor"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/retry"
)

// ErrInvalid marks errors caused by the request itself.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ftpPasswordLength is the length of generated FTP passwords.
const ftpPasswordLength = 5

// Options wires a Controller.
type Options struct {
	Config      *config.Config
	Registry    *share.Registry
	Settings    *config.Settings
	Spawner     supervisor.Spawner
	Broadcaster *events.Broadcaster

	// Fetcher and Transfers replace the network clients, mostly in tests.
	Fetcher   browse.Fetcher
	Transfers map[share.Protocol]download.Transfer
}

// Controller is the owner of all shared state on the sharing side and the
// entry point of the browsing side.
type Controller struct {
	cfg        *config.Config
	registry   *share.Registry
	settings   *config.Settings
	supervisor *supervisor.Supervisor
	downloads  *download.Manager
	session    *browse.Session
	events     *events.Broadcaster

	// mu serializes share mutations so duplicate checks and port
	// assignment see a stable registry.
	mu sync.Mutex

	dlMu     sync.Mutex
	progress map[string]*DownloadRecord
	order    []string
}

// New builds a controller. No worker runs until the first share is opened.
func New(opts Options) *Controller {
	c := &Controller{
		cfg:      opts.Config,
		registry: opts.Registry,
		settings: opts.Settings,
		events:   opts.Broadcaster,
		progress: make(map[string]*DownloadRecord),
	}
	if c.events == nil {
		c.events = events.NewBroadcaster()
	}

	c.supervisor = supervisor.New(supervisor.Options{
		Spawner:     opts.Spawner,
		Registry:    c.registry,
		OnHit:       c.onHit,
		StopTimeout: c.cfg.StopTimeout,
		Settings:    c.settings.Snapshot().Values(),
	})
	c.downloads = download.NewManager(download.Options{
		Timeout:   c.cfg.DownloadTimeout,
		OnStatus:  c.onDownloadStatus,
		Transfers: opts.Transfers,
	})

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = browse.NewHTTPFetcher(c.cfg.BrowseTimeout, retry.DefaultConfig())
	}
	c.session = browse.NewSession(fetcher)
	return c
}

// Broadcaster returns the event broadcaster fed by the controller.
func (c *Controller) Broadcaster() *events.Broadcaster { return c.events }

// Supervisor exposes the worker supervisor.
func (c *Controller) Supervisor() *supervisor.Supervisor { return c.supervisor }

// Start reopens every backed-up share when configured to.
func (c *Controller) Start(ctx context.Context) error {
	if !c.cfg.OpenAll {
		return nil
	}
	n, err := c.OpenAll()
	logging.Info("reopened shares from backup", logging.Int("count", n))
	return err
}

// Shutdown stops the workers and the download pipelines, then persists the
// registry and the settings.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.supervisor.CloseAll()

	var errs []error
	if err := c.downloads.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop downloads: %w", err))
	}
	if err := c.registry.Dump(); err != nil {
		errs = append(errs, fmt.Errorf("dump registry: %w", err))
	}
	if err := c.settings.Save(c.cfg.SettingsPath()); err != nil {
		errs = append(errs, fmt.Errorf("save settings: %w", err))
	}
	logging.Info("controller stopped")
	return errors.Join(errs...)
}

// onHit counts a browse or download hit relayed from a worker.
func (c *Controller) onHit(p share.Protocol, id string) {
	count, ok := c.registry.RecordHit(id)
	if !ok {
		logging.Debug("hit for unknown share", logging.String("id", id))
		return
	}
	c.events.Publish(events.Hit(protocol.HitEvent{
		ShareID:  id,
		Protocol: string(p),
		Count:    count,
	}))
}

func (c *Controller) publishShare(e share.Entry) {
	c.events.Publish(events.Share(protocol.ShareEvent{
		ShareID:  e.ID,
		Path:     e.TargetPath,
		Protocol: string(e.Protocol),
		Sharing:  e.IsSharing,
	}))
}

// Host is the address other instances reach this one at.
func (c *Controller) Host() string {
	if c.cfg.AdvertiseHost != "" {
		return c.cfg.AdvertiseHost
	}
	return service.LocalIP()
}

// Share is a registry row as shown to the user.
type Share struct {
	share.Entry
	Address string // listing address while the worker is serving
}

// Shares returns every registry row in order.
func (c *Controller) Shares() []Share {
	entries := c.registry.Entries()
	out := make([]Share, len(entries))
	host := c.Host()
	for i, e := range entries {
		out[i] = Share{Entry: e}
		if !e.IsSharing {
			continue
		}
		if port, ok := c.supervisor.Port(e.Protocol); ok {
			out[i].Address = protocol.ListingAddress(host, port, e.ID)
		}
	}
	return out
}

// CreateResult is the outcome of CreateShare.
type CreateResult struct {
	Entry   share.Entry
	Files   int
	Warning string
}

// CreateShare registers path over p and opens it.
func (c *Controller) CreateShare(path string, p share.Protocol) (CreateResult, error) {
	if !p.Valid() {
		return CreateResult{}, invalid("unsupported protocol %q", p)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return CreateResult{}, invalid("resolve %s: %v", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return CreateResult{}, invalid("%s does not exist", abs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if row, ok := c.registry.Contains(abs, p); ok {
		return CreateResult{}, &share.DuplicateShareError{Row: row, Path: abs, Protocol: p}
	}

	files, err := share.CountFiles(abs, c.cfg.HardFileLimit)
	if err != nil {
		return CreateResult{}, fmt.Errorf("count files in %s: %w", abs, err)
	}
	if c.cfg.HardFileLimit > 0 && files > c.cfg.HardFileLimit {
		return CreateResult{}, invalid("%s holds more than %d files", abs, c.cfg.HardFileLimit)
	}
	var warning string
	if c.cfg.SoftFileLimit > 0 && files > c.cfg.SoftFileLimit {
		warning = fmt.Sprintf("%s holds %d files; listing it may be slow", abs, files)
	}

	var params *share.FTPParams
	if p == share.FTP {
		params, err = c.ftpParams(abs)
		if err != nil {
			return CreateResult{}, err
		}
	}

	e, err := share.NewEntry(abs, p, params)
	if err != nil {
		return CreateResult{}, invalid("%v", err)
	}
	if err := c.registry.Append(e); err != nil {
		return CreateResult{}, err
	}
	if err := c.supervisor.AddShare(e.Clone()); err != nil {
		// Nothing serves the new row, so it is not kept.
		if row, ok := c.registry.Get(e.ID); ok {
			if _, rerr := c.registry.Remove(row.RowPosition); rerr != nil {
				logging.Error("drop unshared entry", logging.String("id", e.ID), logging.Err(rerr))
			}
		}
		return CreateResult{}, err
	}

	got, _ := c.registry.Get(e.ID)
	c.publishShare(got)
	logging.Info("share created",
		logging.String("id", got.ID),
		logging.String("path", got.TargetPath),
		logging.String("protocol", string(p)),
		logging.Int("files", files))
	return CreateResult{Entry: got, Files: files, Warning: warning}, nil
}

// ftpParams reuses the parameters of an earlier FTP share of the same path
// or assigns new ones.
func (c *Controller) ftpParams(abs string) (*share.FTPParams, error) {
	if prev, ok := c.registry.FTPParams(abs); ok {
		return &prev, nil
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, invalid("%s does not exist", abs)
	}
	password, err := share.GeneratePassword(ftpPasswordLength)
	if err != nil {
		return nil, err
	}
	taken := c.registry.FTPPorts()
	port, err := service.FreePort("", c.cfg.FTPBasePort, func(p int) bool { return taken[p] })
	if err != nil {
		return nil, fmt.Errorf("assign ftp port: %w", err)
	}
	return &share.FTPParams{
		Password: password,
		Port:     port,
		BasePath: share.FTPBasePath(abs, info.IsDir()),
	}, nil
}

// OpenShare starts sharing a closed entry again.
func (c *Controller) OpenShare(id string) (share.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(id)
}

func (c *Controller) openLocked(id string) (share.Entry, error) {
	e, ok := c.registry.Get(id)
	if !ok {
		return share.Entry{}, fmt.Errorf("%s: %w", id, share.ErrNotFound)
	}
	if e.IsSharing {
		return share.Entry{}, invalid("share %s is already open", id)
	}
	if row, ok := c.registry.Contains(e.TargetPath, e.Protocol); ok {
		return share.Entry{}, &share.DuplicateShareError{Row: row, Path: e.TargetPath, Protocol: e.Protocol}
	}
	if _, err := os.Stat(e.TargetPath); err != nil {
		return share.Entry{}, invalid("%s no longer exists", e.TargetPath)
	}
	if err := c.supervisor.AddShare(e); err != nil {
		return share.Entry{}, err
	}
	c.dump()

	e, _ = c.registry.Get(id)
	c.publishShare(e)
	logging.Info("share opened", logging.String("id", id), logging.String("path", e.TargetPath))
	return e, nil
}

// CloseShare stops sharing an entry and keeps it in the registry.
func (c *Controller) CloseShare(id string) (share.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(id)
}

func (c *Controller) closeLocked(id string) (share.Entry, error) {
	e, ok := c.registry.Get(id)
	if !ok {
		return share.Entry{}, fmt.Errorf("%s: %w", id, share.ErrNotFound)
	}
	if !e.IsSharing {
		return share.Entry{}, invalid("share %s is not open", id)
	}
	if err := c.supervisor.RemoveShare(id); err != nil {
		return share.Entry{}, err
	}
	c.dump()

	e, _ = c.registry.Get(id)
	c.publishShare(e)
	logging.Info("share closed", logging.String("id", id), logging.String("path", e.TargetPath))
	return e, nil
}

// RemoveEntry deletes a closed entry from the registry. Once the registry
// is empty every worker is stopped.
func (c *Controller) RemoveEntry(id string) (share.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.registry.Get(id)
	if !ok {
		return share.Entry{}, fmt.Errorf("%s: %w", id, share.ErrNotFound)
	}
	removed, err := c.registry.Remove(e.RowPosition)
	if err != nil {
		return share.Entry{}, err
	}
	if c.registry.Len() == 0 {
		c.supervisor.CloseAll()
	}

	removed.IsSharing = false
	c.publishShare(removed)
	logging.Info("share removed", logging.String("id", id), logging.String("path", removed.TargetPath))
	return removed, nil
}

// OpenAll opens every closed entry and returns how many were opened.
// Entries that cannot be opened are skipped and reported together.
func (c *Controller) OpenAll() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	n := 0
	for _, e := range c.registry.Entries() {
		if e.IsSharing {
			continue
		}
		if _, err := c.openLocked(e.ID); err != nil {
			logging.Warn("open share", logging.String("id", e.ID), logging.Err(err))
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// CloseAll closes every open entry, then stops the workers.
func (c *Controller) CloseAll() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	n := 0
	for _, e := range c.registry.Entries() {
		if !e.IsSharing {
			continue
		}
		if _, err := c.closeLocked(e.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	c.supervisor.CloseAll()
	return n, errors.Join(errs...)
}

func (c *Controller) dump() {
	if err := c.registry.Dump(); err != nil {
		logging.Error("registry backup failed", logging.Err(err))
	}
}

// Browse loads a remote listing address.
func (c *Controller) Browse(ctx context.Context, address string) (browse.View, error) {
	err := c.session.Load(ctx, address)
	return c.session.View(), err
}

// Enter opens the child directory called name of the current listing.
func (c *Controller) Enter(name string) (browse.View, error) {
	if err := c.session.EnterName(name); err != nil {
		return c.session.View(), invalid("%v", err)
	}
	return c.session.View(), nil
}

// Back returns to the parent listing.
func (c *Controller) Back() (browse.View, error) {
	if err := c.session.Back(); err != nil {
		return c.session.View(), invalid("%v", err)
	}
	return c.session.View(), nil
}

// BrowseView returns the browse session state.
func (c *Controller) BrowseView() browse.View {
	return c.session.View()
}

// DownloadRecord is the latest status of one download item.
type DownloadRecord struct {
	Item      download.Item
	UpdatedAt time.Time
}

// Download queues the child called name of the current listing, or the
// current listing itself when name is empty, into the download directory.
func (c *Controller) Download(name string) (download.Batch, error) {
	cur := c.session.Current()
	if cur == nil {
		return download.Batch{}, invalid("nothing is being browsed")
	}
	target := cur
	if name != "" {
		child, ok := cur.Child(name)
		if !ok {
			return download.Batch{}, invalid("%q is not in %s", name, cur.Name)
		}
		target = child
	}

	b, err := download.Expand(target, c.settings.Snapshot().DownloadDir)
	if err != nil {
		return download.Batch{}, invalid("%v", err)
	}
	if len(b.Items) == 0 && len(b.Dirs) == 0 {
		return download.Batch{}, invalid("%s is empty", target.Name)
	}
	if err := c.downloads.Submit(b); err != nil {
		return download.Batch{}, err
	}
	return b, nil
}

// WaitDownloads blocks until every pipeline is idle.
func (c *Controller) WaitDownloads(ctx context.Context) error {
	return c.downloads.Wait(ctx)
}

func (c *Controller) onDownloadStatus(it download.Item, s download.Status, batchID string) {
	it.Status = s
	key := it.Key()

	c.dlMu.Lock()
	rec, ok := c.progress[key]
	if !ok {
		rec = &DownloadRecord{}
		c.progress[key] = rec
		c.order = append(c.order, key)
	}
	rec.Item = it
	rec.UpdatedAt = time.Now()
	c.dlMu.Unlock()

	c.events.Publish(events.Download(protocol.DownloadEvent{
		ItemID:   it.ID,
		BatchID:  batchID,
		Path:     it.RelativePath,
		Protocol: string(it.Protocol),
		Status:   string(s),
		Reason:   it.Reason,
	}))
}

// Downloads returns the latest status of every item in submission order.
func (c *Controller) Downloads() []DownloadRecord {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	out := make([]DownloadRecord, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, *c.progress[k])
	}
	return out
}

// ClearFinished forgets items that succeeded or failed and returns how many
// were dropped.
func (c *Controller) ClearFinished() int {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	kept := c.order[:0]
	n := 0
	for _, k := range c.order {
		if c.progress[k].Item.Status.Final() {
			delete(c.progress, k)
			n++
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
	return n
}

// Settings returns the current settings.
func (c *Controller) Settings() config.SettingsSnapshot {
	return c.settings.Snapshot()
}

// UpdateSettings applies values by key, propagates applied ones to the
// workers and persists the settings. Unknown keys are ignored; a rejected
// value stops the update.
func (c *Controller) UpdateSettings(values map[string]any) (applied, ignored []string, err error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		ok, err := c.settings.Apply(k, values[k])
		if err != nil {
			return applied, ignored, invalid("%v", err)
		}
		if !ok {
			ignored = append(ignored, k)
			continue
		}
		applied = append(applied, k)
		c.supervisor.ModifySetting(k, values[k])
	}

	if len(applied) > 0 {
		s := c.settings.Snapshot()
		err := logging.Reconfigure(func(cfg *logging.Config) {
			cfg.SaveSystemLog = s.SaveSystemLog
			cfg.SaveSharerLog = s.SaveSharerLog
			cfg.LogsPath = s.LogsPath
		})
		if err != nil {
			logging.Error("reconfigure logging", logging.Err(err))
		}
		if err := c.settings.Save(c.cfg.SettingsPath()); err != nil {
			return applied, ignored, fmt.Errorf("save settings: %w", err)
		}
		logging.Info("settings updated", logging.Any("keys", applied))
	}
	return applied, ignored, nil
}

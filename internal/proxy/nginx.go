package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kursadbilgin/domain-engine/internal/command"
	"github.com/kursadbilgin/domain-engine/internal/domain"
	"go.uber.org/zap"
)

var ErrConfigInvalid = errors.New("proxy configuration invalid")

// Manager installs and removes the reverse-proxy configuration for a domain.
type Manager interface {
	Configure(ctx context.Context, name, targetID string) error
	Remove(ctx context.Context, name string) error
}

// TLSLocator returns the certificate files for a domain when they exist.
type TLSLocator interface {
	Locate(name string) (*TLSFiles, bool)
}

type NginxConfig struct {
	SitesAvailable string
	SitesEnabled   string
	TestCommand    string
	ReloadCommand  string
	AppPort        int
	ContentRoot    string
	ACMEWebroot    string
}

var _ Manager = (*NginxManager)(nil)

// NginxManager writes one site file per domain and activates it through a
// symlink. Installing, validating and reloading are serialized, and a site
// that fails validation is rolled back to its last working file.
type NginxManager struct {
	cfg    NginxConfig
	runner command.Runner
	tls    TLSLocator
	logger *zap.Logger

	reloadMu sync.Mutex
}

func NewNginxManager(cfg NginxConfig, runner command.Runner, logger *zap.Logger) (*NginxManager, error) {
	if runner == nil {
		return nil, fmt.Errorf("command runner is required")
	}
	if cfg.SitesAvailable == "" || cfg.SitesEnabled == "" {
		return nil, fmt.Errorf("nginx sites directories are required")
	}
	if cfg.TestCommand == "" {
		cfg.TestCommand = "nginx -t"
	}
	if cfg.ReloadCommand == "" {
		cfg.ReloadCommand = "nginx -s reload"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NginxManager{
		cfg:    cfg,
		runner: runner,
		logger: logger,
	}, nil
}

// SetTLSLocator makes rendered sites terminate TLS once certificate files exist.
func (m *NginxManager) SetTLSLocator(locator TLSLocator) {
	m.tls = locator
}

// Locker exposes the validate/reload lock to other processes that reload nginx.
func (m *NginxManager) Locker() sync.Locker {
	return &m.reloadMu
}

func (m *NginxManager) Configure(ctx context.Context, name, targetID string) error {
	if err := domain.ValidateTargetID(targetID); err != nil {
		return err
	}

	site := SiteConfig{
		Domain:      name,
		TargetID:    targetID,
		ServerNames: domain.ServerNames(name),
		AppPort:     m.cfg.AppPort,
		ContentRoot: m.cfg.ContentRoot,
		ACMEWebroot: m.cfg.ACMEWebroot,
	}
	if m.tls != nil {
		if files, ok := m.tls.Locate(name); ok {
			site.TLS = files
		}
	}

	rendered, err := RenderSiteConfig(site)
	if err != nil {
		return err
	}

	available := m.availablePath(name)
	enabled := m.enabledPath(name)

	// Install, validate and reload are one critical section.
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	previous, err := snapshotSite(available, enabled)
	if err != nil {
		return fmt.Errorf("failed to read existing site config: %w", err)
	}

	if err := installSite(available, enabled, []byte(rendered)); err != nil {
		m.restoreSite(name, previous)
		return fmt.Errorf("failed to install site config: %w", err)
	}

	if err := m.run(ctx, m.cfg.TestCommand); err != nil {
		m.restoreSite(name, previous)
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	if err := m.run(ctx, m.cfg.ReloadCommand); err != nil {
		return fmt.Errorf("failed to reload nginx: %w", err)
	}

	m.logger.Info("site configured",
		zap.String("domain", name),
		zap.String("targetId", targetID),
		zap.Bool("tls", site.TLS != nil),
	)
	return nil
}

// Remove deletes the site link and file, then reloads. Every step is attempted.
func (m *NginxManager) Remove(ctx context.Context, name string) error {
	var errs []error

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	if err := removeIfExists(m.enabledPath(name)); err != nil {
		errs = append(errs, fmt.Errorf("remove site link: %w", err))
	}
	if err := removeIfExists(m.availablePath(name)); err != nil {
		errs = append(errs, fmt.Errorf("remove site config: %w", err))
	}

	if err := m.run(ctx, m.cfg.ReloadCommand); err != nil {
		errs = append(errs, fmt.Errorf("reload nginx: %w", err))
	}

	return errors.Join(errs...)
}

// siteState is what a domain had installed before a reconfigure.
type siteState struct {
	available string
	enabled   string
	config    []byte
	linked    bool
}

func snapshotSite(available, enabled string) (siteState, error) {
	state := siteState{available: available, enabled: enabled}

	data, err := os.ReadFile(available)
	switch {
	case err == nil:
		state.config = data
	case !errors.Is(err, os.ErrNotExist):
		return state, err
	}

	if _, err := os.Lstat(enabled); err == nil {
		state.linked = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return state, err
	}

	return state, nil
}

func installSite(available, enabled string, data []byte) error {
	if err := writeFileAtomic(available, data); err != nil {
		return err
	}
	if err := removeIfExists(enabled); err != nil {
		return err
	}
	return os.Symlink(available, enabled)
}

// restoreSite puts back the last working site. A domain without one is left
// disabled with the rejected file kept for inspection.
func (m *NginxManager) restoreSite(name string, previous siteState) {
	var errs []error

	if previous.config != nil {
		if err := writeFileAtomic(previous.available, previous.config); err != nil {
			errs = append(errs, fmt.Errorf("restore site config: %w", err))
		}
	}
	if err := removeIfExists(previous.enabled); err != nil {
		errs = append(errs, fmt.Errorf("disable site: %w", err))
	} else if previous.config != nil && previous.linked {
		if err := os.Symlink(previous.available, previous.enabled); err != nil {
			errs = append(errs, fmt.Errorf("re-enable site: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("failed to restore previous site",
			zap.String("domain", name),
			zap.Error(err),
		)
	}
}

func (m *NginxManager) run(ctx context.Context, line string) error {
	name, args := command.Split(line)
	_, err := m.runner.Run(ctx, name, args...)
	return err
}

func (m *NginxManager) availablePath(name string) string {
	return filepath.Join(m.cfg.SitesAvailable, name+".conf")
}

func (m *NginxManager) enabledPath(name string) string {
	return filepath.Join(m.cfg.SitesEnabled, name+".conf")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".site-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

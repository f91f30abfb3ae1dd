package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"egressfleet/internal/fleet/model"
	appErr "egressfleet/pkg/errors"
	"egressfleet/pkg/utils/logger"
	"egressfleet/pkg/utils/retry"

	"go.uber.org/zap"
)

const (
	defaultNetnsDir    = "/var/run/netns"
	defaultNamePrefix  = "egressfleet-"
	defaultStopTimeout = 10 * time.Second
	defaultRetries     = 3
	defaultRetryBase   = 200 * time.Millisecond
	defaultRetryMax    = 2 * time.Second

	LabelInstance = "egressfleet.instance"
	LabelEndpoint = "egressfleet.endpoint"
)

// Config controls container creation and runtime retries.
type Config struct {
	Image       string            `yaml:"image"`
	NamePrefix  string            `yaml:"namePrefix"`
	NetnsDir    string            `yaml:"netnsDir"`
	Env         map[string]string `yaml:"env"`
	StopTimeout time.Duration     `yaml:"stopTimeout"`
	Retries     int               `yaml:"retries"`
	RetryBase   time.Duration     `yaml:"retryBase"`
	RetryMax    time.Duration     `yaml:"retryMax"`
}

// Spec describes the sandbox of one instance.
type Spec struct {
	InstanceID string
	Image      string
	Endpoint   model.ProxyEndpoint
	Network    model.NetworkRecord
	Profile    model.SecurityProfile
}

// Handle identifies a created sandbox.
type Handle struct {
	ID   string
	Name string
}

// Controller is the only caller of the runtime. It translates runtime errors
// and retries calls while the runtime is unreachable.
type Controller struct {
	rt  Runtime
	cfg Config
}

// NewController wraps rt.
func NewController(rt Runtime, cfg Config) *Controller {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = defaultNamePrefix
	}
	if cfg.NetnsDir == "" {
		cfg.NetnsDir = defaultNetnsDir
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	return &Controller{rt: rt, cfg: cfg}
}

// StopTimeout returns the configured grace period for Stop.
func (c *Controller) StopTimeout() time.Duration {
	return c.cfg.StopTimeout
}

// Create creates (but does not start) the container of one instance. A stale
// container left under the same name is removed first.
func (c *Controller) Create(ctx context.Context, spec Spec) (Handle, error) {
	image := spec.Image
	if image == "" {
		image = c.cfg.Image
	}
	if image == "" {
		return Handle{}, appErr.New(appErr.InvalidParams).WithMessage("sandbox image is required")
	}
	create := CreateSpec{
		Name:  c.cfg.NamePrefix + spec.InstanceID,
		Image: image,
		Env:   c.env(spec),
		Labels: map[string]string{
			LabelInstance: spec.InstanceID,
			LabelEndpoint: spec.Endpoint.Key(),
		},
		SeccompPath:     spec.Profile.SeccompPath,
		AppArmorProfile: spec.Profile.AppArmorName,
		Limits:          spec.Profile.Limits,
	}
	if spec.Network.Namespace != "" {
		create.NetNSPath = filepath.Join(c.cfg.NetnsDir, spec.Network.Namespace)
	}

	var id string
	err := c.call(ctx, "create", func(ctx context.Context) error {
		var err error
		id, err = c.rt.Create(ctx, create)
		if errors.Is(err, ErrConflict) {
			logger.Warn(ctx, "removing stale sandbox", zap.String("name", create.Name))
			if rmErr := c.rt.Remove(ctx, create.Name, true); rmErr != nil && !errors.Is(rmErr, ErrNotFound) {
				return err
			}
			id, err = c.rt.Create(ctx, create)
		}
		return err
	})
	if err != nil {
		return Handle{}, err
	}
	logger.Info(ctx, "sandbox created", zap.String("sandbox_id", id), zap.String("name", create.Name))
	return Handle{ID: id, Name: create.Name}, nil
}

func (c *Controller) Start(ctx context.Context, id string) error {
	return c.call(ctx, "start", func(ctx context.Context) error {
		return c.rt.Start(ctx, id)
	})
}

// Stop stops the container. A container that no longer exists counts as stopped.
func (c *Controller) Stop(ctx context.Context, id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.StopTimeout
	}
	err := c.call(ctx, "stop", func(ctx context.Context) error {
		return c.rt.Stop(ctx, id, timeout)
	})
	if appErr.Is(err, appErr.SandboxNotFound) {
		return nil
	}
	return err
}

// Remove deletes the container. A container that no longer exists counts as removed.
func (c *Controller) Remove(ctx context.Context, id string, force bool) error {
	err := c.call(ctx, "remove", func(ctx context.Context) error {
		return c.rt.Remove(ctx, id, force)
	})
	if appErr.Is(err, appErr.SandboxNotFound) {
		return nil
	}
	return err
}

func (c *Controller) Inspect(ctx context.Context, id string) (model.SandboxStatus, error) {
	var status model.SandboxStatus
	err := c.call(ctx, "inspect", func(ctx context.Context) error {
		var err error
		status, err = c.rt.Inspect(ctx, id)
		return err
	})
	return status, err
}

func (c *Controller) Stats(ctx context.Context, id string) (model.SandboxStats, error) {
	var stats model.SandboxStats
	err := c.call(ctx, "stats", func(ctx context.Context) error {
		var err error
		stats, err = c.rt.Stats(ctx, id)
		return err
	})
	return stats, err
}

func (c *Controller) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := retry.Do(ctx, retry.Policy{
		Attempts:  c.cfg.Retries,
		BaseDelay: c.cfg.RetryBase,
		MaxDelay:  c.cfg.RetryMax,
	}, isRetryable, func(attempt int) error {
		if attempt > 0 {
			logger.Warn(ctx, "retrying container runtime call", zap.String("op", op), zap.Int("attempt", attempt))
		}
		return fn(ctx)
	})
	return translate(op, err)
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return appErr.Wrapf(err, appErr.SandboxNotFound, "sandbox %s", op)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return appErr.Wrapf(err, appErr.Timeout, "sandbox %s", op)
	default:
		return appErr.Wrapf(err, appErr.RuntimeUnavailable, "sandbox %s", op)
	}
}

func (c *Controller) env(spec Spec) []string {
	ep := spec.Endpoint
	// The sandbox dials the namespace gateway, which the host translates to
	// the bound endpoint, so a rotation never has to touch the container.
	proxyURL, host, port := ep.URL(), ep.Host, strconv.Itoa(ep.Port)
	if gw := spec.Network.Gateway(); gw != "" {
		proxyURL = ep.URLVia(gw)
		host, port = spec.Network.HostAddr, strconv.Itoa(spec.Network.GatewayPort)
	}
	env := []string{
		"PROXY_URL=" + proxyURL.String(),
		"PROXY_SCHEME=" + ep.Scheme,
		"PROXY_HOST=" + host,
		"PROXY_PORT=" + port,
		"INSTANCE_ID=" + spec.InstanceID,
		"TZ=UTC",
	}
	keys := make([]string, 0, len(c.cfg.Env))
	for k := range c.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.cfg.Env[k])
	}
	return env
}

package unifi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fbettag/unifi-optimizer/internal/metrics"
	"github.com/unpoller/unifi/v5"
	"golang.org/x/time/rate"
)

// Controller is the surface the analysis pipeline consumes. Reads are
// individually failure-tolerant at the caller; SetDeviceField is the only
// mutating primitive.
type Controller interface {
	ListDevices(ctx context.Context) ([]RawDevice, error)
	ListClients(ctx context.Context) ([]RawClient, error)
	ListEvents(ctx context.Context, lookbackHours int) ([]RawEvent, error)
	GetDeviceConfig(ctx context.Context, mac string) (DeviceConfig, error)
	SetDeviceField(ctx context.Context, mac, field string, value string) error
}

// Site represents a UniFi site.
type Site struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	Description string `json:"desc"`
}

// Client talks to a UniFi controller. Reads that the unpoller library models
// well (sites, clients, events) go through it; device detail and the single
// write primitive go through a raw REST session because the library does not
// expose device mutation. All calls share one rate limiter and are fully
// serialized: the controller locks accounts out for 15-30 minutes once it
// starts returning 429s, so overlapping request bursts are never worth it.
type Client struct {
	client   *unifi.Unifi
	rest     *restSession
	baseURL  string
	username string
	password string
	site     string
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   Logger
	m        *metrics.Metrics

	mu sync.Mutex // serializes every controller call
}

// ClientOptions tune controller access.
type ClientOptions struct {
	Site              string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	Metrics           *metrics.Metrics // optional
}

// NewClient creates an unauthenticated controller client. Call Login before
// any other method.
func NewClient(baseURL, username, password string, opts ClientOptions, logger Logger) *Client {
	if opts.Site == "" {
		opts.Site = "default"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		site:     opts.Site,
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		timeout:  opts.RequestTimeout,
		logger:   logger,
		m:        opts.Metrics,
	}
}

// observe counts one controller call and any 429 it produced.
func (c *Client) observe(op string, err error) {
	if c.m == nil {
		return
	}
	c.m.ControllerRequests.WithLabelValues(op).Inc()
	if IsRateLimited(err) {
		c.m.ControllerRateLimits.Inc()
	}
}

// Login authenticates both access paths with the controller.
func (c *Client) Login() error {
	c.logger.Debugf("Attempting to login to UniFi controller at %s", c.baseURL)

	config := &unifi.Config{
		User:      c.username,
		Pass:      c.password,
		URL:       c.baseURL,
		VerifySSL: false, // Allow self-signed certificates
		Timeout:   c.timeout,
		ErrorLog:  c.logger.Errorf,
		DebugLog:  c.logger.Debugf,
	}

	client, err := unifi.NewUnifi(config)
	if err != nil {
		return fmt.Errorf("failed to create UniFi client: %w", err)
	}
	if err := client.Login(); err != nil {
		return classifyErr("login", err)
	}
	c.client = client

	rest := newRestSession(c.baseURL, c.username, c.password, c.site, c.timeout, c.logger)
	if err := rest.login(context.Background()); err != nil {
		return err
	}
	c.rest = rest

	c.logger.Infof("Successfully logged in to UniFi controller")
	return nil
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransientError{Op: op, Err: err}
	}
	return nil
}

// GetSites returns all sites visible to the account.
func (c *Client) GetSites(ctx context.Context) ([]Site, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, fmt.Errorf("not logged in")
	}
	if err := c.wait(ctx, "get sites"); err != nil {
		return nil, err
	}

	unifiSites, err := c.client.GetSites()
	if err != nil {
		return nil, classifyErr("get sites", err)
	}

	sites := make([]Site, len(unifiSites))
	for i, s := range unifiSites {
		sites[i] = Site{ID: s.ID, Name: s.Name, Description: s.Desc}
	}
	return sites, nil
}

// ListDevices returns all adopted devices with radio and uplink detail.
func (c *Client) ListDevices(ctx context.Context) ([]RawDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rest == nil {
		return nil, fmt.Errorf("not logged in")
	}
	if err := c.wait(ctx, "list devices"); err != nil {
		return nil, err
	}
	devices, err := c.rest.listDevices(ctx)
	c.observe("list_devices", err)
	return devices, err
}

// ListClients returns all active wireless clients for the site.
func (c *Client) ListClients(ctx context.Context) ([]RawClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, fmt.Errorf("not logged in")
	}
	if err := c.wait(ctx, "list clients"); err != nil {
		return nil, err
	}

	sites := []*unifi.Site{{Name: c.site}}
	clients, err := c.client.GetClients(sites)
	if err != nil {
		err = classifyErr("list clients", err)
		c.observe("list_clients", err)
		return nil, err
	}
	c.observe("list_clients", nil)

	var out []RawClient
	for _, client := range clients {
		if client.IsWired.Val {
			continue
		}
		// Stale entries linger in the controller; only report clients seen
		// within the last five minutes.
		lastSeen := time.Unix(int64(client.LastSeen.Val), 0)
		if time.Since(lastSeen) > 5*time.Minute {
			continue
		}
		out = append(out, RawClient{
			Mac:        client.Mac,
			Name:       client.Name,
			Hostname:   client.Hostname,
			ApMac:      client.ApMac,
			Radio:      client.Radio,
			RadioProto: client.RadioProto,
			Channel:    int(client.Channel.Val),
			Signal:     int(client.Signal.Val),
			Noise:      int(client.Noise.Val),
			TxRate:     int64(client.TxRate.Val),
			RxRate:     int64(client.RxRate.Val),
			LastSeen:   int64(client.LastSeen.Val),
			IsWired:    client.IsWired.Val,
		})
	}
	return out, nil
}

// ListEvents returns historical events for the lookback window.
func (c *Client) ListEvents(ctx context.Context, lookbackHours int) ([]RawEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rest == nil {
		return nil, fmt.Errorf("not logged in")
	}
	if err := c.wait(ctx, "list events"); err != nil {
		return nil, err
	}
	events, err := c.rest.listEvents(ctx, lookbackHours)
	c.observe("list_events", err)
	return events, err
}

// GetDeviceConfig re-reads the current configuration of one device. Preview
// always calls this instead of trusting the analysis snapshot.
func (c *Client) GetDeviceConfig(ctx context.Context, mac string) (DeviceConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rest == nil {
		return DeviceConfig{}, fmt.Errorf("not logged in")
	}
	if err := c.wait(ctx, "get device config"); err != nil {
		return DeviceConfig{}, err
	}
	cfg, err := c.rest.getDeviceConfig(ctx, mac)
	c.observe("get_device_config", err)
	return cfg, err
}

// SetDeviceField writes a single configuration field on one device. The
// write addresses the device by its controller _id; resolving an unknown _id
// is a request of its own and pays its own limiter token, so a write never
// hits the controller faster than the configured rate.
func (c *Client) SetDeviceField(ctx context.Context, mac, field string, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rest == nil {
		return fmt.Errorf("not logged in")
	}
	if !c.rest.hasDeviceID(mac) {
		if err := c.wait(ctx, "get device config"); err != nil {
			return err
		}
		_, err := c.rest.getDeviceConfig(ctx, mac)
		c.observe("get_device_config", err)
		if err != nil {
			return err
		}
	}
	if err := c.wait(ctx, "set device field"); err != nil {
		return err
	}
	err := c.rest.setDeviceField(ctx, mac, field, value)
	c.observe("set_device_field", err)
	return err
}

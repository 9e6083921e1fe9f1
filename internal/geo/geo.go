package geo

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"banwatch/internal/config"
	"banwatch/internal/fault"
	"banwatch/internal/model"
)

// Resolver memoizes IP geolocation lookups. Concurrent misses for the
// same address coalesce into one provider call, and total outbound
// concurrency toward the provider is bounded.
type Resolver struct {
	cfg    config.GeoConfig
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]model.GeoInfo

	group singleflight.Group
	sem   *semaphore.Weighted
}

func NewResolver(cfg config.GeoConfig, logger *slog.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.SuccessTTL <= 0 {
		cfg.SuccessTTL = time.Hour
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = 5 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 10000
	}
	return &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		cache:  make(map[string]model.GeoInfo),
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Resolve returns geolocation for ip. Private, loopback and link-local
// addresses short-circuit to a local sentinel without any network
// traffic. Provider failures yield an unavailable sentinel that is
// cached with the shorter failure TTL. If ctx expires while a provider
// call is outstanding the caller gets Timeout immediately; the shared
// call finishes on its own budget and caches under its own key.
func (r *Resolver) Resolve(ctx context.Context, ip string) (model.GeoInfo, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return model.GeoInfo{}, fault.Wrap(fault.InvalidArgument, err, "ip %q", ip)
	}
	ip = addr.String()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return localInfo(ip), nil
	}
	if info, ok := r.cached(ip); ok {
		return info, nil
	}

	ch := r.group.DoChan(ip, func() (any, error) {
		return r.fetch(ip), nil
	})
	select {
	case res := <-ch:
		return res.Val.(model.GeoInfo), nil
	case <-ctx.Done():
		r.group.Forget(ip)
		return model.GeoInfo{}, fault.Wrap(fault.Timeout, ctx.Err(), "geolocation lookup for %s", ip)
	}
}

func (r *Resolver) cached(ip string) (model.GeoInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.cache[ip]
	if !ok {
		return model.GeoInfo{}, false
	}
	ttl := r.cfg.SuccessTTL
	if info.Unavailable {
		ttl = r.cfg.FailureTTL
	}
	if time.Since(info.FetchedAt) > ttl {
		delete(r.cache, ip)
		return model.GeoInfo{}, false
	}
	return info, true
}

func (r *Resolver) store(info model.GeoInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= r.cfg.MaxCacheSize {
		// Map iteration order is random; dropping a quarter of the
		// entries is enough to stay bounded.
		target := r.cfg.MaxCacheSize / 4
		for k := range r.cache {
			if target <= 0 {
				break
			}
			delete(r.cache, k)
			target--
		}
	}
	r.cache[info.IP] = info
}

// fetch runs on its own budget, detached from any single caller, so an
// abandoned caller cannot cancel the flight other callers share.
func (r *Resolver) fetch(ip string) model.GeoInfo {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	if err := r.sem.Acquire(ctx, 1); err != nil {
		info := unavailableInfo(ip)
		r.store(info)
		return info
	}
	defer r.sem.Release(1)

	info, err := r.query(ctx, ip)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("geolocation lookup failed", "ip", ip, "err", err)
		}
		info = unavailableInfo(ip)
	}
	r.store(info)
	return info
}

type providerResponse struct {
	Status     string  `json:"status"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	ISP        string  `json:"isp"`
	Org        string  `json:"org"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Timezone   string  `json:"timezone"`
}

func (r *Resolver) query(ctx context.Context, ip string) (model.GeoInfo, error) {
	url := strings.TrimRight(r.cfg.Endpoint, "/") + "/" + ip
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.GeoInfo{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return model.GeoInfo{}, fault.Wrap(fault.Unavailable, err, "geolocation provider")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.GeoInfo{}, fault.New(fault.Unavailable, "geolocation provider returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return model.GeoInfo{}, fault.Wrap(fault.Unavailable, err, "geolocation provider body")
	}
	var pr providerResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return model.GeoInfo{}, fault.Wrap(fault.Unavailable, err, "geolocation provider json")
	}
	if pr.Status != "success" {
		return model.GeoInfo{}, fault.New(fault.Unavailable, "geolocation provider status %q", pr.Status)
	}
	return model.GeoInfo{
		IP:        ip,
		Country:   pr.Country,
		Region:    pr.RegionName,
		City:      pr.City,
		ISP:       pr.ISP,
		Org:       pr.Org,
		Lat:       pr.Lat,
		Lon:       pr.Lon,
		Timezone:  pr.Timezone,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func localInfo(ip string) model.GeoInfo {
	return model.GeoInfo{
		IP:        ip,
		Country:   "Local Network",
		Region:    "Private",
		City:      "LAN",
		ISP:       "Local Network",
		Local:     true,
		FetchedAt: time.Now().UTC(),
	}
}

func unavailableInfo(ip string) model.GeoInfo {
	return model.GeoInfo{
		IP:          ip,
		Country:     "Unavailable",
		Region:      "Unavailable",
		City:        "Unavailable",
		ISP:         "Unavailable",
		Unavailable: true,
		FetchedAt:   time.Now().UTC(),
	}
}

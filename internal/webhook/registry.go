package webhook

import (
	"errors"
	"strings"
	"sync"
)

// Site is a registered external destination. The shared secret signs every
// command sent to it.
type Site struct {
	ID     string `json:"site_id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Secret string `json:"-"`
}

var ErrSiteNotRegistered = errors.New("webhook: site not registered")

// Registry holds the destination sites removal commands are delivered to.
type Registry struct {
	mu    sync.RWMutex
	sites map[string]Site
}

func NewRegistry() *Registry {
	return &Registry{sites: make(map[string]Site)}
}

// Register adds or replaces a destination site.
func (r *Registry) Register(site Site) error {
	if strings.TrimSpace(site.ID) == "" || strings.TrimSpace(site.URL) == "" {
		return errors.New("webhook: site id and url are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[site.ID] = site
	return nil
}

// Get returns a registered site.
func (r *Registry) Get(siteID string) (Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	site, ok := r.sites[siteID]
	if !ok {
		return Site{}, ErrSiteNotRegistered
	}
	return site, nil
}

// List returns all registered sites.
func (r *Registry) List() []Site {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Site, 0, len(r.sites))
	for _, s := range r.sites {
		out = append(out, s)
	}
	return out
}

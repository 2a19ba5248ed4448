// Package catalog holds the immutable set of environment templates a
// deployment offers.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/distribution/reference"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"lab-sandbox/internal/config"
	"lab-sandbox/internal/runtime"
	"lab-sandbox/internal/sandbox"
)

var (
	ErrTemplateNotFound  = errors.New("template not found")
	ErrInvalidTemplate   = errors.New("invalid template")
	ErrUnresolvableImage = errors.New("unresolvable base image")
)

// Template is an immutable environment descriptor.
type Template struct {
	ID                   string
	Kind                 Kind
	Description          string
	Image                string
	CompanionImage       string // Attacker image for networking pairs
	Language             string // programming-language only
	NetworkPolicy        NetworkPolicy
	Limits               sandbox.ResourceLimits
	MaxLifetime          time.Duration
	MaxConcurrentPerUser int
	RenewalWindow        time.Duration
	ExclusiveExec        bool
	Command              []string
	WorkDir              string
	Env                  []string
	Mounts               []sandbox.Mount
}

// Profile returns the provisioning profile of the template's kind.
func (t Template) Profile() Profile {
	p := profiles[t.Kind]
	p.ExclusiveExec = t.ExclusiveExec
	return p
}

// MaxExpiry is the latest expiry any renewal may reach.
func (t Template) MaxExpiry(createdAt time.Time) time.Time {
	return createdAt.Add(t.MaxLifetime + t.RenewalWindow)
}

func (t Template) clone() Template {
	t.Command = append([]string(nil), t.Command...)
	t.Env = append([]string(nil), t.Env...)
	t.Mounts = append([]sandbox.Mount(nil), t.Mounts...)
	return t
}

// ImageResolver makes an image reference usable, typically by pulling it.
type ImageResolver interface {
	EnsureImage(ctx context.Context, ref string) error
}

type Options struct {
	// Resolver, when set, must resolve every image at load time.
	Resolver ImageResolver
	// Languages validates programming-language templates. Defaults to the
	// built-in runtime registry.
	Languages *runtime.Registry
}

// Catalog is safe for concurrent reads; nothing mutates it after New.
type Catalog struct {
	templates map[string]Template
	ordered   []string
	languages *runtime.Registry
}

// New validates the configured templates and fails on the first bad one.
func New(ctx context.Context, cfgs []config.TemplateConfig, opts Options) (*Catalog, error) {
	if opts.Languages == nil {
		opts.Languages = runtime.NewRegistry()
	}

	c := &Catalog{
		templates: make(map[string]Template, len(cfgs)),
		languages: opts.Languages,
	}
	for _, tc := range cfgs {
		if _, dup := c.templates[tc.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate template id %q", ErrInvalidTemplate, tc.ID)
		}
		t, err := build(tc, opts.Languages)
		if err != nil {
			if tc.ID == "" {
				return nil, err
			}
			return nil, fmt.Errorf("template %q: %w", tc.ID, err)
		}
		c.templates[t.ID] = t
		c.ordered = append(c.ordered, t.ID)
	}
	sort.Strings(c.ordered)

	if opts.Resolver != nil {
		if err := c.resolveImages(ctx, opts.Resolver); err != nil {
			return nil, err
		}
	}

	log.Info().Int("templates", len(c.templates)).Msg("catalog loaded")
	return c, nil
}

func build(tc config.TemplateConfig, langs *runtime.Registry) (Template, error) {
	if tc.ID == "" {
		return Template{}, fmt.Errorf("%w: empty id", ErrInvalidTemplate)
	}
	kind := Kind(tc.Kind)
	profile, ok := profiles[kind]
	if !ok {
		return Template{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTemplate, tc.Kind)
	}

	t := Template{
		ID:                   tc.ID,
		Kind:                 kind,
		Description:          tc.Description,
		Image:                tc.Image,
		CompanionImage:       tc.CompanionImage,
		Language:             tc.Language,
		NetworkPolicy:        NetworkPolicy(tc.NetworkPolicy),
		MaxLifetime:          tc.MaxLifetime,
		MaxConcurrentPerUser: tc.MaxConcurrentPerUser,
		RenewalWindow:        tc.RenewalWindow,
		ExclusiveExec:        profile.ExclusiveExec,
		Command:              append([]string(nil), tc.Command...),
		WorkDir:              tc.WorkDir,
		Env:                  append([]string(nil), tc.Env...),
	}
	if tc.ExclusiveExec != nil {
		t.ExclusiveExec = *tc.ExclusiveExec
	}

	if kind == KindProgrammingLanguage {
		rt, err := langs.Get(tc.Language)
		if err != nil {
			return Template{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		if t.Image == "" {
			t.Image = rt.Image()
		}
	}

	if err := checkImage(t.Image); err != nil {
		return Template{}, err
	}
	if kind == KindNetworking {
		if t.CompanionImage == "" {
			return Template{}, fmt.Errorf("%w: networking templates need a companion_image", ErrInvalidTemplate)
		}
		if err := checkImage(t.CompanionImage); err != nil {
			return Template{}, err
		}
	}

	if t.NetworkPolicy == "" {
		t.NetworkPolicy = profile.DefaultPolicy
	}
	if !profile.allows(t.NetworkPolicy) {
		return Template{}, fmt.Errorf("%w: network policy %q not allowed for kind %s", ErrInvalidTemplate, t.NetworkPolicy, kind)
	}

	if t.MaxLifetime <= 0 {
		return Template{}, fmt.Errorf("%w: max_lifetime must be positive", ErrInvalidTemplate)
	}
	if t.MaxConcurrentPerUser < 1 {
		return Template{}, fmt.Errorf("%w: max_concurrent_per_user must be at least 1", ErrInvalidTemplate)
	}
	switch {
	case t.RenewalWindow == 0:
		t.RenewalWindow = t.MaxLifetime / 2
	case t.RenewalWindow < 0:
		return Template{}, fmt.Errorf("%w: renewal_window must not be negative", ErrInvalidTemplate)
	}

	t.Limits = limitsFrom(tc.Limits)
	if err := t.Limits.Validate(); err != nil {
		return Template{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}

	for _, m := range tc.Mounts {
		if !filepath.IsAbs(m.Source) || !path.IsAbs(m.Target) {
			return Template{}, fmt.Errorf("%w: mount %q -> %q must use absolute paths", ErrInvalidTemplate, m.Source, m.Target)
		}
		t.Mounts = append(t.Mounts, sandbox.Mount{
			Source:   filepath.Clean(m.Source),
			Target:   path.Clean(m.Target),
			ReadOnly: m.ReadOnly,
		})
	}

	return t, nil
}

// limitsFrom fills unset fields from the defaults.
func limitsFrom(lc config.LimitsConfig) sandbox.ResourceLimits {
	l := sandbox.DefaultLimits()
	if lc.MemoryMB != 0 {
		l.MemoryMB = lc.MemoryMB
	}
	if lc.CPUPercent != 0 {
		l.CPUPercent = lc.CPUPercent
	}
	if lc.DiskMB != 0 {
		l.DiskMB = lc.DiskMB
	}
	if lc.PidsLimit != 0 {
		l.PidsLimit = lc.PidsLimit
	}
	return l
}

func checkImage(ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidTemplate)
	}
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnresolvableImage, ref, err)
	}
	return nil
}

// resolveImages asks the resolver for every distinct image, a few at a time.
func (c *Catalog) resolveImages(ctx context.Context, resolver ImageResolver) error {
	seen := make(map[string]bool)
	var refs []string
	for _, id := range c.ordered {
		t := c.templates[id]
		for _, ref := range []string{t.Image, t.CompanionImage} {
			if ref != "" && !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ref := range refs {
		g.Go(func() error {
			if err := resolver.EnsureImage(gctx, ref); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrUnresolvableImage, ref, err)
			}
			log.Debug().Str("image", ref).Msg("image resolved")
			return nil
		})
	}
	return g.Wait()
}

// Get returns a copy of the template with id.
func (c *Catalog) Get(id string) (Template, error) {
	t, ok := c.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}
	return t.clone(), nil
}

// List returns templates of kind, or all of them when kind is empty,
// sorted by id.
func (c *Catalog) List(kind Kind) []Template {
	out := make([]Template, 0, len(c.ordered))
	for _, id := range c.ordered {
		t := c.templates[id]
		if kind == "" || t.Kind == kind {
			out = append(out, t.clone())
		}
	}
	return out
}

// Languages is the runtime registry programming-language templates use.
func (c *Catalog) Languages() *runtime.Registry {
	return c.languages
}

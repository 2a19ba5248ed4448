package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// Client wraps the containerd client with connection management and health checking.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

func dialContainerd(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrRuntimeDown, socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: containerd health check: %v", ErrRuntimeDown, err)
	}
	return inner, nil
}

// NewClient connects to containerd and scopes every call to namespace.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := dialContainerd(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

// Raw returns the underlying containerd client for direct API usage.
func (c *Client) Raw() *containerd.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	_, err := c.inner.Version(ctx)
	return err == nil
}

// Reconnect replaces a dead connection. It refuses to reopen a closed client.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrDriverClosed
	}

	inner, err := dialContainerd(ctx, c.socket, c.namespace)
	if err != nil {
		return err
	}
	if c.inner != nil {
		_ = c.inner.Close()
	}
	c.inner = inner

	log.Info().Msg("reconnected to containerd")
	return nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Image returns a local image, pulling and unpacking it first when pull is
// set. Without pull a missing image is ErrImageUnusable.
func (c *Client) Image(ctx context.Context, ref string, pull bool) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)
	raw := c.Raw()

	img, err := raw.GetImage(ctx, ref)
	if err == nil {
		return img, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("looking up image %s: %w", ref, err)
	}
	if !pull {
		return nil, fmt.Errorf("%w: %s not present locally and pulling is disabled", ErrImageUnusable, ref)
	}

	log.Info().Str("ref", ref).Msg("pulling image")

	img, err = raw.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("%w: pulling %s: %v", ErrImageUnusable, ref, err)
	}

	log.Info().Str("ref", ref).Msg("image pulled")
	return img, nil
}

package docker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/AlexandruC0909/coderun/internal/models"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// Container is a long-lived container that programs of one language are
// compiled and run in through exec.
type Container struct {
	client *client.Client
	ID     string
	config ContainerConfig
	logger *logger.Logger
}

type ContainerConfig struct {
	Name        string
	Image       string
	MemoryLimit int64
	WorkDir     string
}

func NewContainer(cli *client.Client, config ContainerConfig, log *logger.Logger) *Container {
	return &Container{
		client: cli,
		config: config,
		logger: log.WithFields(zap.String("container", config.Name)),
	}
}

// Ensure reuses a running container with the configured name, replaces a
// stopped one, and creates the container (pulling its image) otherwise.
func (c *Container) Ensure(ctx context.Context) error {
	c.logger.Info("checking for existing container")

	containers, err := c.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	for _, cont := range containers {
		for _, name := range cont.Names {
			if name != "/"+c.config.Name {
				continue
			}
			c.logger.Info("found existing container",
				zap.String("id", shortID(cont.ID)), zap.String("state", cont.State))

			if cont.State == "running" {
				c.ID = cont.ID
				return nil
			}

			c.logger.Info("removing stopped container", zap.String("id", shortID(cont.ID)))
			if err := c.client.ContainerRemove(ctx, cont.ID, container.RemoveOptions{Force: true}); err != nil {
				return fmt.Errorf("failed to remove stopped container: %w", err)
			}
		}
	}

	c.logger.Info("creating new container", zap.String("image", c.config.Image))

	containerConfig := &container.Config{
		Image:      c.config.Image,
		Cmd:        []string{"sh", "-c", "while true; do sleep 1; done"},
		WorkingDir: c.config.WorkDir,
		Env:        []string{"PYTHONUNBUFFERED=1"},
	}

	pidsLimit := int64(100)
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     c.config.MemoryLimit,
			MemorySwap: c.config.MemoryLimit,
			NanoCPUs:   1000000000,
			PidsLimit:  &pidsLimit,
		},
		NetworkMode: "none",
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
	}

	resp, err := c.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, c.config.Name)
	if err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to create container: %w", err)
		}
		c.logger.Info("image not found locally, pulling")
		if err := c.pull(ctx); err != nil {
			return err
		}
		resp, err = c.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, c.config.Name)
		if err != nil {
			return fmt.Errorf("failed to create container after pulling image: %w", err)
		}
	}

	c.logger.Info("starting container", zap.String("id", shortID(resp.ID)))
	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	c.ID = resp.ID
	return nil
}

func (c *Container) pull(ctx context.Context) error {
	rc, err := c.client.ImagePull(ctx, c.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer rc.Close()
	// The pull only completes once its progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

func (c *Container) IsHealthy(ctx context.Context) error {
	info, err := c.client.ContainerInspect(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("container not healthy: %w", err)
	}
	if info.State == nil || !info.State.Running {
		return fmt.Errorf("container %s is not running", c.config.Name)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// PoolConfig describes the containers a Pool manages.
type PoolConfig struct {
	Prefix      string
	Images      map[string]string
	MemoryLimit int64
	WorkDir     string
}

// Pool lazily ensures one container per language and shares a single
// Docker client between them.
type Pool struct {
	client     *client.Client
	config     PoolConfig
	logger     *logger.Logger
	mu         sync.Mutex
	containers map[models.Language]*Container
}

func NewPool(config PoolConfig, log *logger.Logger) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation(), client.WithTimeout(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Pool{
		client:     cli,
		config:     config,
		logger:     log.WithFields(zap.String("component", "docker")),
		containers: make(map[models.Language]*Container),
	}, nil
}

// Get returns the running container for lang, creating it on first use.
func (p *Pool) Get(ctx context.Context, lang models.Language) (*Container, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.containers[lang]; ok {
		return c, nil
	}
	img, ok := p.config.Images[string(lang)]
	if !ok {
		return nil, fmt.Errorf("no image configured for language %q", lang)
	}
	c := NewContainer(p.client, ContainerConfig{
		Name:        p.config.Prefix + "-" + string(lang),
		Image:       img,
		MemoryLimit: p.config.MemoryLimit,
		WorkDir:     p.config.WorkDir,
	}, p.logger)
	if err := c.Ensure(ctx); err != nil {
		return nil, err
	}
	p.containers[lang] = c
	return c, nil
}

// Warm ensures containers for every language up front.
func (p *Pool) Warm(ctx context.Context) error {
	for _, lang := range models.Languages {
		if _, err := p.Get(ctx, lang); err != nil {
			return fmt.Errorf("%s: %w", lang, err)
		}
	}
	return nil
}

// Healthy checks every container created so far.
func (p *Pool) Healthy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.containers {
		if err := c.IsHealthy(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) Close() error {
	return p.client.Close()
}

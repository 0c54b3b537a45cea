package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrReleased is returned when a released descriptor is used again.
var ErrReleased = errors.New("credentials: descriptor already released")

const filePrefix = "fedprobe-auth-"

// Builder writes auth descriptors into Dir. An empty Dir means os.TempDir().
type Builder struct {
	Dir string
}

// Descriptor is the on-disk auth material of a single invocation.
type Descriptor struct {
	ID   string
	Path string

	mu       sync.Mutex
	released bool
}

// Build renders the two descriptor lines for token, site and vo and writes them
// to a file whose name is unique for this invocation.
func (b Builder) Build(token, site, vo string) (*Descriptor, error) {
	if token == "" {
		return nil, errors.New("credentials: token is empty")
	}
	dir := b.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("credentials dir: %w", err)
	}
	id := uuid.NewString()
	path := filepath.Join(dir, filePrefix+id)
	// O_EXCL: two invocations must never share a file.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("create descriptor: %w", err)
	}
	if _, err := f.WriteString(Render(token, site, vo)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write descriptor: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close descriptor: %w", err)
	}
	log.Debug().Str("path", path).Str("site", site).Str("vo", vo).Msg("auth descriptor written")
	return &Descriptor{ID: id, Path: path}, nil
}

// Render returns the descriptor file content. Line one authenticates against the
// Infrastructure Manager, line two against the site for the given VO.
func Render(token, site, vo string) string {
	var sb strings.Builder
	sb.WriteString(line(
		"id", "im",
		"type", "InfrastructureManager",
		"token", token,
	))
	sb.WriteString("\n")
	sb.WriteString(line(
		"id", "egi",
		"type", "EGI",
		"host", site,
		"vo", vo,
		"token", token,
	))
	sb.WriteString("\n")
	return sb.String()
}

func line(kv ...string) string {
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, kv[i]+" = "+kv[i+1])
	}
	return strings.Join(parts, "; ")
}

// AuthHeader reads the descriptor back and joins its lines with a literal "\n",
// which is how the IM REST API expects the Authorization header.
func (d *Descriptor) AuthHeader() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return "", ErrReleased
	}
	b, err := os.ReadFile(d.Path)
	if err != nil {
		return "", fmt.Errorf("read descriptor: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.Join(lines, `\n`), nil
}

// Release removes the backing file. Calling it more than once is a no-op.
func (d *Descriptor) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil
	}
	d.released = true
	if err := os.Remove(d.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove descriptor: %w", err)
	}
	log.Debug().Str("path", d.Path).Msg("auth descriptor released")
	return nil
}

// Released reports whether Release has been called.
func (d *Descriptor) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

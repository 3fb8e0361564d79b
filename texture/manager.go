package texture

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/gfxmem/suballoc/imagepool"
	"github.com/gfxmem/suballoc/memutil"
	"github.com/gfxmem/suballoc/subbuf"
)

// Staged describes one uploaded texture: its pool memory binding and the staging
// region holding its texel bytes. Recording the buffer-to-image copy (and any layout
// transitions or mipmap generation) is the caller's command plumbing, outside this
// layer; the caller reads the staged range from here.
type Staged struct {
	Handle        imagepool.Handle
	StagingOffset int
	Length        int
}

// Manager binds texture image memory through an image pool allocator and stages
// texel bytes through one reused region of a host-visible staging suballocator.
type Manager struct {
	logger *slog.Logger

	images        *imagepool.Allocator
	staging       *subbuf.Suballocator
	stagingRegion subbuf.SubBuffer
}

// NewManager creates a Manager around an image pool allocator and a host-visible
// staging suballocator.
func NewManager(logger *slog.Logger, images *imagepool.Allocator, staging *subbuf.Suballocator) (*Manager, error) {
	if images == nil || staging == nil {
		return nil, errors.New("both an image allocator and a staging suballocator are required")
	}
	if !staging.HostVisible() {
		return nil, cerrors.Wrap(memutil.NotHostVisibleError, "the staging suballocator must be host-visible")
	}

	if logger == nil {
		logger = slog.Default()
	}

	stagingRegion, err := staging.Suballoc(0)
	if err != nil {
		return nil, err
	}

	return &Manager{
		logger:        logger,
		images:        images,
		staging:       staging,
		stagingRegion: stagingRegion,
	}, nil
}

// Upload allocates and binds pool memory for one texture resource and stages its
// texel bytes. The staging region is reused: the returned range is valid until the
// next Upload.
func (m *Manager) Upload(resource imagepool.Resource, texels []byte) (Staged, error) {
	m.logger.Debug("Manager::Upload", slog.Int("texelBytes", len(texels)))

	handle, err := m.images.AllocateMemory(resource)
	if err != nil {
		return Staged{}, err
	}

	err = m.staging.Clear(m.stagingRegion)
	if err != nil {
		return Staged{}, err
	}
	err = m.staging.Append(m.stagingRegion, texels)
	if err != nil {
		return Staged{}, err
	}

	offset, err := m.staging.Offset(m.stagingRegion)
	if err != nil {
		return Staged{}, err
	}

	return Staged{
		Handle:        handle,
		StagingOffset: offset,
		Length:        len(texels),
	}, nil
}

// Remove releases a texture's memory binding for recycling. The caller destroys the
// image resource itself.
func (m *Manager) Remove(handle imagepool.Handle) error {
	m.logger.Debug("Manager::Remove")

	return m.images.RemoveImage(handle)
}

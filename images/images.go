// Package images resolves the engine images databases run, against their
// registries, before a host ever pulls them.
package images

import (
	"context"
	"fmt"
	"runtime"
	"slices"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	ggcrtypes "github.com/google/go-containerregistry/pkg/v1/types"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/config"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/utils"
)

// Resolved is a version's image as the registry reports it.
type Resolved struct {
	Version   string `json:"version"`
	Image     string `json:"image"`
	Digest    string `json:"digest,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	// MultiArch is set when the reference points at an index rather than a
	// single manifest.
	MultiArch bool   `json:"multi_arch"`
	Error     string `json:"error,omitempty"`
}

// HeadFunc fetches the descriptor of ref without downloading the manifest body.
type HeadFunc func(ctx context.Context, ref name.Reference) (*v1.Descriptor, error)

// Resolver checks images concurrently on an ants pool.
type Resolver struct {
	conf *config.Config
	pool *ants.Pool
	head HeadFunc
}

// NewResolver creates a Resolver with a pool of conf.PoolSize goroutines.
// A nil head uses the registry with the default keychain.
func NewResolver(conf *config.Config, head HeadFunc) (*Resolver, error) {
	pool, err := ants.NewPool(conf.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("create ants pool: %w", err)
	}
	if head == nil {
		head = registryHead
	}
	return &Resolver{conf: conf, pool: pool, head: head}, nil
}

// Close releases the pool.
func (r *Resolver) Close() {
	if r.pool != nil {
		r.pool.Release()
	}
}

// Check resolves the image of every version (all supported versions when
// none are given). Per-version failures are reported in the result and
// joined into the returned error.
func (r *Resolver) Check(ctx context.Context, versions []string) ([]Resolved, error) {
	if len(versions) == 0 {
		versions = r.conf.PGVersions
	}
	for _, v := range versions {
		if !slices.Contains(r.conf.PGVersions, v) {
			return nil, types.Invalidf("unsupported version %q (supported: %v)", v, r.conf.PGVersions)
		}
	}

	logger := log.WithFunc("images.Check")
	out := make([]Resolved, len(versions))
	err := utils.Parallel(r.pool, versions, func(i int, v string) error {
		res := Resolved{Version: v, Image: r.conf.Image(v)}
		defer func() { out[i] = res }()

		ref, err := name.ParseReference(res.Image)
		if err != nil {
			res.Error = err.Error()
			return fmt.Errorf("%s: %w", res.Image, types.Invalidf("%v", err))
		}
		desc, err := r.head(ctx, ref)
		if err != nil {
			res.Error = err.Error()
			return fmt.Errorf("%s: %w", res.Image, err)
		}
		res.Digest = desc.Digest.String()
		res.MediaType = string(desc.MediaType)
		res.Size = desc.Size
		res.MultiArch = isIndex(desc.MediaType)
		logger.Debugf(ctx, "%s resolved to %s", res.Image, res.Digest)
		return nil
	})
	return out, err
}

func isIndex(mt ggcrtypes.MediaType) bool {
	return string(mt) == ocispec.MediaTypeImageIndex || mt == ggcrtypes.DockerManifestList
}

func registryHead(ctx context.Context, ref name.Reference) (*v1.Descriptor, error) {
	return remote.Head(ref,
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithContext(ctx),
		remote.WithPlatform(v1.Platform{Architecture: runtime.GOARCH, OS: "linux"}),
	)
}

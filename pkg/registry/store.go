package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/registry/cache"
)

// Store is a registry kept in a key-value backend (memcached or
// redis). Each artifact is stored as two values, the bytes and the
// metadata, plus an index of tags for the repository.
//
// The tag index is maintained by read-modify-write, so a Store
// expects to be the only writer for its repository.
type Store struct {
	name   image.Name
	client cache.Client
	logger log.Logger
	now    func() time.Time

	indexMu sync.Mutex
}

var _ Registry = &Store{}

func NewStore(name image.Name, client cache.Client, logger log.Logger) *Store {
	return &Store{
		name:   name,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Store) Name() image.Name {
	return s.name
}

func (s *Store) Push(ctx context.Context, tag string, artifact []byte) (image.Ref, error) {
	ref := s.name.ToRef(tag)
	if err := image.ValidateTag(tag); err != nil {
		return ref, err
	}
	info := image.NewInfo(ref, artifact, s.now())
	infoBytes, err := json.Marshal(info)
	if err != nil {
		return ref, errors.Wrap(err, "encoding artifact metadata")
	}

	// Bytes go first, so that anyone who sees the metadata can also
	// see the artifact.
	if err := s.client.SetKey(cache.NewArtifactKey(ref), artifact); err != nil {
		return ref, errors.Wrapf(err, "storing artifact %s", ref)
	}
	if err := s.client.SetKey(cache.NewInfoKey(ref), infoBytes); err != nil {
		return ref, errors.Wrapf(err, "storing metadata for %s", ref)
	}
	if err := s.addTag(tag); err != nil {
		return ref, err
	}
	s.logger.Log("pushed", ref, "digest", info.Digest, "size", info.Size)
	return ref, nil
}

func (s *Store) Pull(ctx context.Context, tag string) ([]byte, error) {
	ref := s.name.ToRef(tag)
	bytes, err := s.client.GetKey(cache.NewArtifactKey(ref))
	if err == cache.ErrNotCached {
		return nil, notFound(ref)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching artifact %s", ref)
	}
	return bytes, nil
}

func (s *Store) Describe(ctx context.Context, tag string) (image.Info, error) {
	ref := s.name.ToRef(tag)
	var info image.Info
	bytes, err := s.client.GetKey(cache.NewInfoKey(ref))
	if err == cache.ErrNotCached {
		return info, notFound(ref)
	}
	if err != nil {
		return info, errors.Wrapf(err, "fetching metadata for %s", ref)
	}
	if err := json.Unmarshal(bytes, &info); err != nil {
		return info, errors.Wrapf(err, "decoding metadata for %s", ref)
	}
	return info, nil
}

func (s *Store) Tags(ctx context.Context) ([]string, error) {
	tags, err := s.readTags()
	if err != nil {
		return nil, err
	}
	return SortTags(tags), nil
}

func (s *Store) readTags() ([]string, error) {
	bytes, err := s.client.GetKey(cache.NewTagsKey(s.name))
	if err == cache.ErrNotCached {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching tag index")
	}
	var tags []string
	if err := json.Unmarshal(bytes, &tags); err != nil {
		return nil, errors.Wrap(err, "decoding tag index")
	}
	return tags, nil
}

func (s *Store) addTag(tag string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	tags, err := s.readTags()
	if err != nil {
		return err
	}
	for _, t := range tags {
		if t == tag {
			return nil
		}
	}
	bytes, err := json.Marshal(append(tags, tag))
	if err != nil {
		return errors.Wrap(err, "encoding tag index")
	}
	return errors.Wrap(s.client.SetKey(cache.NewTagsKey(s.name), bytes), "storing tag index")
}

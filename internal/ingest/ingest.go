// Package ingest loads HEVC elementary streams from disk, splits them into
// access units, and keeps the loaded sources in a registry keyed by stream
// name so the playback pipeline can find them.
package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/loopcast/internal/demux"
)

// ErrNoAccessUnits is returned when a buffer contains no start codes and
// therefore nothing to play.
var ErrNoAccessUnits = errors.New("ingest: no access units")

// SourceStats describes a loaded source for the API.
type SourceStats struct {
	Path        string `json:"path,omitempty"`
	Bytes       int    `json:"bytes"`
	AccessUnits int    `json:"accessUnits"`
	Codec       string `json:"codec"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	KeyStart    bool   `json:"keyStart"`
	LoadedAt    int64  `json:"loadedAt"`
}

// Source is a fully loaded elementary stream. Data owns the bytes every
// frame view points into and must not be modified after loading.
type Source struct {
	Key      string
	Path     string
	Data     []byte
	Units    []demux.AccessUnit
	Video    demux.VideoInfo
	Params   demux.ParameterSets
	LoadedAt time.Time

	// KeyStart reports whether the first access unit opens with an IRAP
	// picture. Without one every loop restarts on a non-decodable frame.
	KeyStart bool

	frames [][]byte
}

// Load reads the file at path and splits it into access units.
func Load(key, path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	src, err := FromBytes(key, data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	src.Path = path
	return src, nil
}

// FromBytes splits data into access units. The Source takes ownership of
// data.
func FromBytes(key string, data []byte) (*Source, error) {
	units, err := demux.SplitAccessUnits(data)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrNoAccessUnits
	}

	src := &Source{
		Key:      key,
		Data:     data,
		Units:    units,
		LoadedAt: time.Now(),
		frames:   demux.Views(data, units),
	}
	src.Video, src.Params = demux.DetectVideoInfo(src.frames[0])
	src.KeyStart = startsWithIRAP(src.frames[0])
	return src, nil
}

// startsWithIRAP reports whether the first picture NAL unit of au is an
// IRAP picture.
func startsWithIRAP(au []byte) bool {
	for _, nal := range demux.ParseAnnexBHEVC(au) {
		if nal.Type < demux.HEVCNALVPS {
			return demux.IsHEVCKeyframe(nal.Type)
		}
	}
	return false
}

// Frames returns the access units as zero-copy views into Data.
func (s *Source) Frames() [][]byte { return s.frames }

// Size returns the length of the loaded buffer in bytes.
func (s *Source) Size() int { return len(s.Data) }

// Stats returns a snapshot for the API.
func (s *Source) Stats() SourceStats {
	return SourceStats{
		Path:        s.Path,
		Bytes:       len(s.Data),
		AccessUnits: len(s.Units),
		Codec:       s.Video.Codec,
		Width:       s.Video.Width,
		Height:      s.Video.Height,
		KeyStart:    s.KeyStart,
		LoadedAt:    s.LoadedAt.UnixMilli(),
	}
}

// KeyFromPath derives a stream key from a file name: the base name with
// its extension removed.
func KeyFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Registry tracks loaded sources by key and hands each newly added source
// to the onSource callback, which is where the application starts playback.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source

	onSource func(src *Source)
}

// NewRegistry creates a Registry. The onSource callback, if non-nil, is
// invoked asynchronously whenever a source is added.
func NewRegistry(onSource func(src *Source)) *Registry {
	return &Registry{
		sources:  make(map[string]*Source),
		onSource: onSource,
	}
}

// Add registers src under its key. It returns false if the key is taken.
func (r *Registry) Add(src *Source) bool {
	r.mu.Lock()
	if _, exists := r.sources[src.Key]; exists {
		r.mu.Unlock()
		return false
	}
	r.sources[src.Key] = src
	r.mu.Unlock()

	if r.onSource != nil {
		go r.onSource(src)
	}
	return true
}

// Remove drops the source registered under key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.sources, key)
	r.mu.Unlock()
}

// Get returns the Source for key, or false if not found.
func (r *Registry) Get(key string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// List returns all sources sorted by key.
func (r *Registry) List() []*Source {
	r.mu.RLock()
	out := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/loopcast/internal/moq"
)

// Catalog is the catalog track payload (draft-ietf-moq-catalogformat-01).
type Catalog struct {
	Version                int            `json:"version"`
	StreamingFormat        int            `json:"streamingFormat"`
	StreamingFormatVersion string         `json:"streamingFormatVersion"`
	CommonTrackFields      CommonFields   `json:"commonTrackFields"`
	Tracks                 []CatalogTrack `json:"tracks"`
}

// CommonFields holds fields shared by all tracks.
type CommonFields struct {
	Namespace string `json:"namespace"`
	Packaging string `json:"packaging"`
}

// CatalogTrack describes one track.
type CatalogTrack struct {
	Name            string          `json:"name"`
	SelectionParams SelectionParams `json:"selectionParams"`
}

// SelectionParams carries the decoder parameters of a track.
type SelectionParams struct {
	Codec     string  `json:"codec"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Framerate float64 `json:"framerate,omitempty"`
	Bitstream string  `json:"bitstream,omitempty"`
}

// Track returns the named track, or false.
func (c *Catalog) Track(name string) (CatalogTrack, bool) {
	for _, t := range c.Tracks {
		if t.Name == name {
			return t, true
		}
	}
	return CatalogTrack{}, false
}

// buildCatalog assembles the catalog JSON for a stream. Video payloads are
// Annex B access units, so no decoder configuration record is advertised.
func buildCatalog(streamKey string, vi VideoInfo) ([]byte, error) {
	catalog := Catalog{
		Version:                1,
		StreamingFormat:        1,
		StreamingFormatVersion: "0.2",
		CommonTrackFields: CommonFields{
			Namespace: Namespace + "/" + streamKey,
			Packaging: "loc",
		},
		Tracks: []CatalogTrack{
			{
				Name: TrackVideo,
				SelectionParams: SelectionParams{
					Codec:     vi.Codec,
					Width:     vi.Width,
					Height:    vi.Height,
					Framerate: vi.Framerate,
					Bitstream: "annexb",
				},
			},
			{
				Name:            TrackStats,
				SelectionParams: SelectionParams{Codec: "application/json"},
			},
		},
	}
	return json.Marshal(catalog)
}

// writeCatalogObject opens a stream and writes the catalog as the single
// object of group 0.
func writeCatalogObject(ctx context.Context, open streamOpener, alias uint64, catalogJSON []byte) (int64, error) {
	stream, err := open(ctx)
	if err != nil {
		return 0, fmt.Errorf("open catalog stream: %w", err)
	}
	defer stream.Close()

	ow, err := moq.NewObjectWriter(stream, moq.SubgroupHeader{TrackAlias: alias, Priority: priorityCatalog})
	if err != nil {
		return 0, fmt.Errorf("write catalog subgroup header: %w", err)
	}
	exts := moq.AppendLOCExtensions(nil, uint64(time.Now().UnixMicro()), 0)
	if _, err := ow.WriteObject(exts, catalogJSON); err != nil {
		return 0, fmt.Errorf("write catalog object: %w", err)
	}
	return ow.Written(), nil
}

// streamOpener opens a unidirectional stream for one MoQ subgroup.
type streamOpener func(ctx context.Context) (io.WriteCloser, error)

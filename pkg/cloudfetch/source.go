package cloudfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// LinkBatch is one page of links from the upstream query service.
type LinkBatch struct {
	Links []ResultLink
	// NextRowOffset is the row index through which links are now known.
	NextRowOffset int64
	// HasMore reports whether links exist beyond NextRowOffset.
	HasMore bool
}

// LinkSource hands out result links page by page, starting at a row index.
// It is called again from the current row after links expire.
type LinkSource interface {
	FetchLinks(ctx context.Context, startRow int64) (LinkBatch, error)
}

// Manifest is the on-disk description of a result set's links.
type Manifest struct {
	TotalRows int64        `json:"total_rows"`
	Links     []ResultLink `json:"links"`
}

// ReadManifest decodes a JSON manifest.
func ReadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("cloudfetch: decode manifest: %w", err)
	}
	return &m, nil
}

// Validate checks the manifest's links with ValidateLinks. Without a
// total_rows field only gaps and overlaps are checked.
func (m *Manifest) Validate() error {
	total := m.TotalRows
	if total == 0 && len(m.Links) > 0 {
		total = -1
	}
	return ValidateLinks(m.Links, total)
}

// ReadManifestFile decodes a JSON manifest from path.
func ReadManifestFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cloudfetch: open manifest: %w", err)
	}
	defer f.Close()
	return ReadManifest(f)
}

// StaticSource serves a fixed set of links in pages of a given size.
type StaticSource struct {
	links     []ResultLink
	batchSize int
}

// NewStaticSource returns a source over links, sorted by start row.
// A non-positive batchSize returns all remaining links at once.
func NewStaticSource(links []ResultLink, batchSize int) *StaticSource {
	sorted := slices.Clone(links)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartRowOffset < sorted[j].StartRowOffset
	})
	return &StaticSource{links: sorted, batchSize: batchSize}
}

// FetchLinks returns the links whose rows end after startRow.
func (s *StaticSource) FetchLinks(ctx context.Context, startRow int64) (LinkBatch, error) {
	if err := ctx.Err(); err != nil {
		return LinkBatch{}, err
	}

	first := sort.Search(len(s.links), func(i int) bool {
		return s.links[i].End() > startRow
	})
	last := len(s.links)
	if s.batchSize > 0 && first+s.batchSize < last {
		last = first + s.batchSize
	}

	batch := LinkBatch{
		Links:         slices.Clone(s.links[first:last]),
		NextRowOffset: startRow,
		HasMore:       last < len(s.links),
	}
	for _, l := range batch.Links {
		batch.NextRowOffset = max(batch.NextRowOffset, l.End())
	}
	return batch, nil
}

// ValidateLinks checks that links tile [0, totalRows) without gaps or overlaps.
// A negative totalRows skips the end check. All problems are reported.
func ValidateLinks(links []ResultLink, totalRows int64) error {
	sorted := slices.Clone(links)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartRowOffset < sorted[j].StartRowOffset
	})

	var result *multierror.Error
	var next int64
	for i, l := range sorted {
		if l.StartRowOffset < 0 || l.RowCount < 0 {
			result = multierror.Append(result, fmt.Errorf("link %d: negative offset or row count (%d, %d)", i, l.StartRowOffset, l.RowCount))
			continue
		}
		if l.RowCount == 0 {
			continue
		}
		if l.FileLink == "" {
			result = multierror.Append(result, fmt.Errorf("link %s: empty file link", l))
		}
		switch {
		case l.StartRowOffset > next:
			result = multierror.Append(result, fmt.Errorf("gap: rows [%d, %d) not covered", next, l.StartRowOffset))
		case l.StartRowOffset < next:
			result = multierror.Append(result, fmt.Errorf("overlap: link %s starts before row %d", l, next))
		}
		next = max(next, l.End())
	}

	if totalRows >= 0 && next != totalRows {
		result = multierror.Append(result, fmt.Errorf("links cover %d rows, want %d", next, totalRows))
	}

	return result.ErrorOrNil()
}

package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/version"
)

// Version is the register version currently published on the landing page.
type Version struct {
	LandingURL string `json:"landing_url" yaml:"landing_url"`
	Href       string `json:"href" yaml:"href"`
	URL        string `json:"url" yaml:"url"`
	SnapshotID string `json:"snapshot_id" yaml:"snapshot_id"`
}

// Locate finds the current register version. It returns nil, nil when the
// landing page cannot be fetched or carries no download link. A link without
// a date token is an error wrapping version.ErrMalformedVersionReference.
func (p *Pipeline) Locate(ctx context.Context) (*Version, error) {
	landing := p.source.LandingURL

	markup, err := p.fetcher.FetchPage(ctx, landing)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "pipeline: fetch landing page")
		}
		zap.L().Warn("pipeline: landing page unavailable", zap.String("url", landing), zap.Error(err))
		return nil, nil
	}

	href, ok := version.Locate(markup, p.source.ContainerClass)
	if !ok {
		return nil, nil
	}

	ref, err := version.ResolveReference(landing, href)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: resolve version reference")
	}

	snapshotID, err := version.SnapshotID(ref)
	if err != nil {
		return nil, err
	}

	return &Version{
		LandingURL: landing,
		Href:       href,
		URL:        ref,
		SnapshotID: snapshotID,
	}, nil
}

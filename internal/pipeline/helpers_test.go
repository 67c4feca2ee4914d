package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/config"
	"github.com/sells-group/hmo-register/internal/enrich"
	"github.com/sells-group/hmo-register/internal/events"
	"github.com/sells-group/hmo-register/internal/model"
	"github.com/sells-group/hmo-register/internal/monitoring"
	"github.com/sells-group/hmo-register/internal/observability"
	"github.com/sells-group/hmo-register/internal/transform"
	"github.com/sells-group/hmo-register/internal/warehouse"
	"github.com/sells-group/hmo-register/pkg/postcodes"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	landingURL  = "https://datamillnorth.org/dataset/hmo/"
	registerURL = "https://datamillnorth.org/download/hmo_register_15.02.2024.xlsx"
	landingHTML = `<html><body>
<div class="dstripe__header"><a href="/about">About</a></div>
<div class="dstripe__body"><p>Latest register</p><a href="/download/hmo_register_15.02.2024.xlsx">Download</a></div>
</body></html>`
)

var t0 = time.Date(2024, 2, 20, 6, 0, 0, 0, time.UTC)

var defaultHeader = []string{"Street", "Address", "Renewal Date", "Licence Holder", "Max Tenants"}

// fakeFetcher serves pages and downloads from memory.
type fakeFetcher struct {
	pages     map[string]string
	downloads map[string][]byte
	// onDownload runs before each download is served.
	onDownload func()

	mu            sync.Mutex
	downloadCalls int
}

func (f *fakeFetcher) FetchPage(_ context.Context, url string) ([]byte, error) {
	page, ok := f.pages[url]
	if !ok {
		return nil, errors.New("fetch: HTTP 404")
	}
	return []byte(page), nil
}

func (f *fakeFetcher) Download(_ context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.downloadCalls++
	f.mu.Unlock()
	if f.onDownload != nil {
		f.onDownload()
	}
	data, ok := f.downloads[url]
	if !ok {
		return nil, errors.New("fetch: HTTP 404")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// fakePostcodes resolves every postcode in coords; lookups for a postcode
// in failOn fail the whole chunk.
type fakePostcodes struct {
	coords map[string]postcodes.Coordinates
	failOn map[string]bool

	mu    sync.Mutex
	calls [][]string
}

func (f *fakePostcodes) BulkLookup(_ context.Context, codes []string) (map[string]postcodes.Coordinates, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), codes...))
	f.mu.Unlock()

	out := make(map[string]postcodes.Coordinates)
	for _, c := range codes {
		if f.failOn[c] {
			return nil, errors.New("postcodes: HTTP 500")
		}
		if co, ok := f.coords[c]; ok {
			out[c] = co
		}
	}
	return out, nil
}

type fakePublisher struct {
	err  error
	keys []string
}

func (f *fakePublisher) PublishTable(_ context.Context, t *model.Table) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	key := "leeds_hmo/" + t.SnapshotID + ".xlsx"
	f.keys = append(f.keys, key)
	return key, nil
}

type fakeEvents struct {
	err    error
	events []events.Event
}

func (f *fakeEvents) SnapshotIngested(_ context.Context, ev events.Event) error {
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeEvents) Close() error { return nil }

type fakeNotifier struct {
	alerts []monitoring.Alert
}

func (f *fakeNotifier) Send(_ context.Context, a monitoring.Alert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeNotifier) types() []monitoring.AlertType {
	var out []monitoring.AlertType
	for _, a := range f.alerts {
		out = append(out, a.Type)
	}
	return out
}

func workbook(t *testing.T, header []string, rows ...[]string) []byte {
	t.Helper()
	f := xlsx.NewFile()
	sh, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, r := range append([][]string{header}, rows...) {
		row := sh.AddRow()
		for _, c := range r {
			row.AddCell().SetString(c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func sampleWorkbook(t *testing.T) []byte {
	return workbook(t, defaultHeader,
		[]string{"High St", "12 High St, Leeds LS1 1AA", "01/04/2025", "A Landlord", "5"},
		[]string{"High St", "14 High St, Leeds ls1  1aa", "01/05/2025", "B Landlord", "6"},
		[]string{"Main Rd", "3 Main Rd, Bradford BD1 1AA", "01/06/2025", "C Landlord", "4"},
	)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Source.LandingURL = landingURL
	cfg.Source.ContainerClass = "dstripe__body"
	cfg.Schema.Columns = transform.DefaultSchema
	cfg.Postcode.Areas = []string{"Leeds", "Pudsey", "Otley", "Wetherby"}
	return cfg
}

func newSQLite(t *testing.T) *warehouse.SQLite {
	t.Helper()
	wh, err := warehouse.NewSQLite(filepath.Join(t.TempDir(), "hmo.db"), "leeds_hmo")
	require.NoError(t, err)
	require.NoError(t, wh.Migrate(context.Background()))
	t.Cleanup(func() { _ = wh.Close() })
	return wh
}

type harness struct {
	fetcher   *fakeFetcher
	postcodes *fakePostcodes
	publisher *fakePublisher
	events    *fakeEvents
	notifier  *fakeNotifier
	metrics   *observability.Metrics
	clock     *clockwork.FakeClock
	wh        warehouse.Warehouse
	pipeline  *Pipeline
}

func newHarness(t *testing.T, wh warehouse.Warehouse, chunkSize int) *harness {
	t.Helper()
	h := &harness{
		fetcher: &fakeFetcher{
			pages:     map[string]string{landingURL: landingHTML},
			downloads: map[string][]byte{registerURL: sampleWorkbook(t)},
		},
		postcodes: &fakePostcodes{coords: map[string]postcodes.Coordinates{
			"LS1 1AA": {Latitude: 53.7997, Longitude: -1.5492},
		}},
		publisher: &fakePublisher{},
		events:    &fakeEvents{},
		notifier:  &fakeNotifier{},
		metrics:   observability.NewMetricsForTesting(),
		clock:     clockwork.NewFakeClockAt(t0),
		wh:        wh,
	}

	var seq int
	p, err := New(testConfig(), h.fetcher, enrich.NewResolver(h.postcodes, chunkSize, 2, h.metrics), wh,
		WithPublisher(h.publisher),
		WithEvents(h.events),
		WithNotifier(h.notifier),
		WithMetrics(h.metrics),
		WithClock(h.clock),
		WithIDGenerator(func() string {
			seq++
			return "run-" + string(rune('0'+seq))
		}),
	)
	require.NoError(t, err)
	h.pipeline = p
	return h
}

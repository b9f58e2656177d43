package httpapi

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/certview-mirror/internal/certview/annotate"
	"github.com/qualys/certview-mirror/internal/certview/control"
	"github.com/qualys/certview-mirror/internal/certview/model"
	syncengine "github.com/qualys/certview-mirror/internal/certview/sync"
)

// fakeStore is the in-memory store.Store backing the router tests.
type fakeStore struct {
	mu           sync.Mutex
	state        model.SyncState
	certificates []model.Certificate
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: model.DefaultSyncState()}
}

func (f *fakeStore) GetState(ctx context.Context) (model.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeStore) SaveState(ctx context.Context, update model.StateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if update.ValidFromDate != nil {
		f.state.LastSuccessfulValidFromDate = *update.ValidFromDate
	}
	if update.TotalRecords != nil {
		f.state.TotalRecordsCollected = *update.TotalRecords
	}
	if update.Status != nil {
		f.state.Status = *update.Status
	}
	return nil
}

func (f *fakeStore) SaveCertificates(ctx context.Context, records []model.Certificate) error {
	return nil
}

func (f *fakeStore) GetAllCertificates(ctx context.Context) ([]model.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.certificates, nil
}

func (f *fakeStore) GetCertificateBySerial(ctx context.Context, serial string) (model.Certificate, bool, error) {
	return model.Certificate{}, false, nil
}

func (f *fakeStore) UpdateMipAnnotation(ctx context.Context, serial string, mipStatus string) error {
	return nil
}

func (f *fakeStore) ReplaceInventoryMappings(ctx context.Context, rows []model.InventoryMapping) error {
	return nil
}

func (f *fakeStore) ListInventoryMappings(ctx context.Context, includeProcessed bool) ([]model.InventoryMapping, error) {
	return nil, nil
}

func (f *fakeStore) MarkInventoryMappingProcessed(ctx context.Context, serial string) error {
	return nil
}

func (f *fakeStore) ClearData(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = model.DefaultSyncState()
	f.certificates = nil
	return nil
}

func (f *fakeStore) SaveToken(ctx context.Context, token model.AuthToken) error { return nil }
func (f *fakeStore) Close() error                                              { return nil }

type fakeFetcher struct{}

func (fakeFetcher) FetchCertificates(ctx context.Context, startDate, endDate string, pageNumber, pageSize int) ([]map[string]any, error) {
	return nil, nil
}

type fakeTokens struct{}

func (fakeTokens) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	return "tok-1234567890", nil
}

func newTestServer(t *testing.T, st *fakeStore) (*httptest.Server, *syncengine.Engine) {
	t.Helper()
	engine := syncengine.New(st, fakeFetcher{}, nil)
	worker := annotate.New(st, nil)
	surface := control.New(st, engine, worker, fakeTokens{}, nil)

	srv := httptest.NewServer(NewRouter(surface, MetricsConfig{}, nil))
	t.Cleanup(srv.Close)
	return srv, engine
}

func TestRouter_Health(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRouter_StartSync_InvalidIntervalRejected(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	resp, err := http.Post(srv.URL+"/sync/start?interval=weekly", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["message"])
}

func TestRouter_StartThenStatus(t *testing.T) {
	st := newFakeStore()
	srv, engine := newTestServer(t, st)

	resp, err := http.Post(srv.URL+"/sync/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	deadline := time.After(2 * time.Second)
	for engine.IsRunning() {
		select {
		case <-deadline:
			t.Fatal("sweep did not finish")
		case <-time.After(5 * time.Millisecond):
		}
	}

	resp, err = http.Get(srv.URL + "/sync/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var state model.SyncState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, model.StatusCompleted, state.Status)
}

func TestRouter_Export_ProjectsFixedColumnOrder(t *testing.T) {
	st := newFakeStore()
	st.certificates = []model.Certificate{{
		ID:           "c1",
		CertHash:     "hash1",
		SerialNumber: "SN-1",
		Issuer:       model.NameOrg{Name: "Example CA", Organization: "Example Org"},
		Subject:      model.NameOrg{Name: "example.com"},
		KeySize:      2048,
		Sources:      []string{"scanner", "agent"},
	}}
	srv, _ := newTestServer(t, st)

	resp, err := http.Get(srv.URL + "/sync/export")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	rows, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.ExportColumns, rows[0])

	rec := rows[1]
	assert.Equal(t, "c1", rec[0])
	assert.Equal(t, "hash1", rec[1])
	assert.Equal(t, "Example CA", rec[4])
	assert.Equal(t, "2048", rec[6])
	assert.Equal(t, "SN-1", rec[7])
	assert.Equal(t, "scanner;agent", rec[15])
}

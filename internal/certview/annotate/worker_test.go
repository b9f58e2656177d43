package annotate

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/certview-mirror/internal/certview/certviewerr"
	"github.com/qualys/certview-mirror/internal/certview/model"
)

// fakeStore implements the slice of store.Store the Annotation Worker uses.
type fakeStore struct {
	mu           sync.Mutex
	certificates map[string]model.Certificate
	mappings     []model.InventoryMapping
	processed    map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		certificates: make(map[string]model.Certificate),
		processed:    make(map[string]bool),
	}
}

func (f *fakeStore) GetState(ctx context.Context) (model.SyncState, error) {
	return model.DefaultSyncState(), nil
}
func (f *fakeStore) SaveState(ctx context.Context, update model.StateUpdate) error { return nil }
func (f *fakeStore) SaveCertificates(ctx context.Context, records []model.Certificate) error {
	return nil
}
func (f *fakeStore) GetAllCertificates(ctx context.Context) ([]model.Certificate, error) {
	return nil, nil
}

func (f *fakeStore) GetCertificateBySerial(ctx context.Context, serial string) (model.Certificate, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cert, ok := f.certificates[serial]
	return cert, ok, nil
}

func (f *fakeStore) UpdateMipAnnotation(ctx context.Context, serial string, mipStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cert := f.certificates[serial]
	cert.MappedToMip = true
	cert.MipStatus = mipStatus
	f.certificates[serial] = cert
	return nil
}

func (f *fakeStore) ReplaceInventoryMappings(ctx context.Context, rows []model.InventoryMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappings = rows
	f.processed = make(map[string]bool)
	return nil
}

func (f *fakeStore) ListInventoryMappings(ctx context.Context, includeProcessed bool) ([]model.InventoryMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if includeProcessed {
		return f.mappings, nil
	}
	var out []model.InventoryMapping
	for _, m := range f.mappings {
		if !f.processed[m.SerialNumber] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkInventoryMappingProcessed(ctx context.Context, serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[serial] = true
	return nil
}

func (f *fakeStore) ClearData(ctx context.Context) error { return nil }
func (f *fakeStore) SaveToken(ctx context.Context, token model.AuthToken) error { return nil }
func (f *fakeStore) Close() error { return nil }

const csvHeader = "Certificate Serial Number,Certificate Name,Certificate Status\n"

func TestWorker_Import_ValidatesRequiredColumns(t *testing.T) {
	st := newFakeStore()
	w := New(st, nil)

	err := w.Import(context.Background(), strings.NewReader("name,status\nfoo,bar\n"))
	require.Error(t, err)
	var inputErr *certviewerr.InputError
	assert.ErrorAs(t, err, &inputErr)
}

func TestWorker_Import_ReplacesMappingTable(t *testing.T) {
	st := newFakeStore()
	w := New(st, nil)

	csvBody := csvHeader + "S1,cert-one,ACTIVE\nS2,cert-two,REVOKED\n"
	err := w.Import(context.Background(), strings.NewReader(csvBody))
	require.NoError(t, err)

	assert.Len(t, st.mappings, 2)
	assert.Equal(t, "S1", st.mappings[0].SerialNumber)
	assert.Equal(t, "cert-one", st.mappings[0].CertificateName)
	assert.Equal(t, "REVOKED", st.mappings[1].CertificateStatus)
}

func TestWorker_Apply_AnnotatesMatchingCertificates(t *testing.T) {
	st := newFakeStore()
	st.certificates["S1"] = model.Certificate{SerialNumber: "S1"}
	st.mappings = []model.InventoryMapping{
		{SerialNumber: "S1", CertificateStatus: "ACTIVE"},
	}

	w := New(st, nil)
	err := w.Apply(context.Background())
	require.NoError(t, err)

	cert := st.certificates["S1"]
	assert.True(t, cert.MappedToMip)
	assert.Equal(t, "ACTIVE", cert.MipStatus)
	assert.True(t, st.processed["S1"])
}

func TestWorker_Apply_IsIdempotentOnceMapped(t *testing.T) {
	st := newFakeStore()
	st.certificates["S1"] = model.Certificate{SerialNumber: "S1", MappedToMip: true, MipStatus: "ACTIVE"}
	st.mappings = []model.InventoryMapping{
		{SerialNumber: "S1", CertificateStatus: "REVOKED"},
	}

	w := New(st, nil)
	err := w.Apply(context.Background())
	require.NoError(t, err)

	cert := st.certificates["S1"]
	assert.Equal(t, "ACTIVE", cert.MipStatus, "already-mapped certificates must not be re-annotated")
}

func TestWorker_Apply_RejectsConcurrentRuns(t *testing.T) {
	st := newFakeStore()
	w := New(st, nil)
	w.running.Store(true)

	err := w.Apply(context.Background())
	require.Error(t, err)
	var concErr *certviewerr.ConcurrencyError
	assert.ErrorAs(t, err, &concErr)
}

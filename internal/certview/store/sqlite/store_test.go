package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/certview-mirror/internal/certview/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certview.db")
	st, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStore_GetState_DefaultsWhenEmpty(t *testing.T) {
	st := openTestStore(t)
	state, err := st.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.DefaultAnchor, state.LastSuccessfulValidFromDate)
	assert.Equal(t, model.StatusStopped, state.Status)
}

func TestStore_SaveState_PartialUpdatesPreserveOtherFields(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	date := "2024-06-01T00:00:00Z"
	total := int64(42)
	require.NoError(t, st.SaveState(ctx, model.StateUpdate{ValidFromDate: &date, TotalRecords: &total}))

	running := model.StatusRunning
	require.NoError(t, st.SaveState(ctx, model.StateUpdate{Status: &running}))

	state, err := st.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, date, state.LastSuccessfulValidFromDate)
	assert.Equal(t, int64(42), state.TotalRecordsCollected)
	assert.Equal(t, model.StatusRunning, state.Status)
}

func TestStore_SaveCertificates_UpsertPreservesMipAnnotation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	cert := model.Certificate{
		ID:           "c1",
		CertHash:     "hash1",
		SerialNumber: "SERIAL-1",
		Issuer:       model.NameOrg{Name: "issuer"},
		Subject:      model.NameOrg{Name: "subject"},
		FullJSON:     map[string]any{"raw": "payload"},
	}
	require.NoError(t, st.SaveCertificates(ctx, []model.Certificate{cert}))

	require.NoError(t, st.UpdateMipAnnotation(ctx, "SERIAL-1", "Mapped"))

	// Re-observe the same certificate (a later sweep page); the annotation
	// must survive the upsert.
	cert.SignatureAlgorithm = "SHA256withRSA"
	require.NoError(t, st.SaveCertificates(ctx, []model.Certificate{cert}))

	got, found, err := st.GetCertificateBySerial(ctx, "SERIAL-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.MappedToMip)
	assert.Equal(t, "Mapped", got.MipStatus)
	assert.Equal(t, "SHA256withRSA", got.SignatureAlgorithm)
	assert.Equal(t, "payload", got.FullJSON["raw"])
}

func TestStore_SaveCertificates_SkipsRecordsWithoutID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveCertificates(ctx, []model.Certificate{{SerialNumber: "no-id"}}))

	all, err := st.GetAllCertificates(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_InventoryMappings_ReplaceListAndMarkProcessed(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceInventoryMappings(ctx, []model.InventoryMapping{
		{SerialNumber: "S1", CertificateName: "cert-one", CertificateStatus: "Active"},
		{SerialNumber: "S2", CertificateName: "cert-two", CertificateStatus: "Retired"},
	}))

	pending, err := st.ListInventoryMappings(ctx, false)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, st.MarkInventoryMappingProcessed(ctx, "S1"))

	pending, err = st.ListInventoryMappings(ctx, false)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "S2", pending[0].SerialNumber)

	all, err := st.ListInventoryMappings(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Replacing truncates the prior set, including processed markers.
	require.NoError(t, st.ReplaceInventoryMappings(ctx, []model.InventoryMapping{
		{SerialNumber: "S3", CertificateName: "cert-three", CertificateStatus: "Active"},
	}))
	all, err = st.ListInventoryMappings(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "S3", all[0].SerialNumber)
}

func TestStore_ClearData_RemovesCertificatesAndState(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveCertificates(ctx, []model.Certificate{{ID: "c1", SerialNumber: "S1"}}))
	total := int64(1)
	require.NoError(t, st.SaveState(ctx, model.StateUpdate{TotalRecords: &total}))

	require.NoError(t, st.ClearData(ctx))

	all, err := st.GetAllCertificates(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	state, err := st.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultSyncState(), state)
}

func TestStore_SaveToken_DoesNotError(t *testing.T) {
	st := openTestStore(t)
	err := st.SaveToken(context.Background(), model.AuthToken{Value: "tok", Valid: true})
	require.NoError(t, err)
}

package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/kiranshivaraju/gpubatch/internal/provider/mock"
	"github.com/kiranshivaraju/gpubatch/internal/provider/remote"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProvider_AdvertisesOffers(t *testing.T) {
	p := mock.NewDefaultProvider()
	offers, err := p.GetOffers(context.Background(), models.OfferFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, offers)
	for _, o := range offers {
		assert.Equal(t, "mock", o.Provider)
		assert.True(t, o.Available)
	}
}

func TestCreateAndTerminate(t *testing.T) {
	ctx := context.Background()
	p := mock.NewDefaultProvider()

	inst, err := p.CreateInstance(ctx, models.CreateInstanceRequest{OfferID: "mock-a10", Name: "job"})
	require.NoError(t, err)
	assert.Equal(t, models.InstanceRunning, inst.Status)
	assert.Equal(t, 0.6, inst.CostPerHour)
	assert.Equal(t, 1, p.Live())

	require.NoError(t, p.TerminateInstance(ctx, inst.ID))
	assert.Equal(t, []string{inst.ID}, p.Terminated())
	assert.Equal(t, 0, p.Live())

	got, err := p.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceTerminated, got.Status)
}

func TestCreateInstance_UnknownOffer(t *testing.T) {
	p := mock.NewDefaultProvider()
	_, err := p.CreateInstance(context.Background(), models.CreateInstanceRequest{OfferID: "nope"})
	assert.ErrorIs(t, err, remote.ErrRejected)
}

func TestGetInstance_Unknown(t *testing.T) {
	p := mock.NewProvider("m")
	got, err := p.GetInstance(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStopStart_TerminatedIsRejected(t *testing.T) {
	ctx := context.Background()
	p := mock.NewDefaultProvider()
	inst, err := p.CreateInstance(ctx, models.CreateInstanceRequest{OfferID: "mock-t4"})
	require.NoError(t, err)

	require.NoError(t, p.StopInstance(ctx, inst.ID))
	require.NoError(t, p.StartInstance(ctx, inst.ID))
	require.NoError(t, p.TerminateInstance(ctx, inst.ID))
	assert.ErrorIs(t, p.StartInstance(ctx, inst.ID), remote.ErrRejected)
}

func TestMetrics_OverrideAndDefault(t *testing.T) {
	ctx := context.Background()
	p := mock.NewDefaultProvider()
	inst, err := p.CreateInstance(ctx, models.CreateInstanceRequest{OfferID: "mock-t4"})
	require.NoError(t, err)

	m, err := p.GetInstanceMetrics(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, m.GPUUtilization)

	p.SetMetrics(inst.ID, models.InstanceMetrics{GPUUtilization: 2})
	m, err = p.GetInstanceMetrics(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.GPUUtilization)
}

func TestFailingProvider(t *testing.T) {
	boom := errors.New("boom")
	p := mock.NewFailingProvider("bad", boom)

	_, err := p.ListInstances(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = p.GetOffers(context.Background(), models.OfferFilter{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, p.TerminateInstance(context.Background(), "x"), boom)
}

package replication

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateReplicators_EpochGate(t *testing.T) {
	m := NewManager()
	meta := Meta{Epoch: 3, Databases: map[string][]Assignment{
		"db0": {{MasterAddr: "m1:7000", ReplicaAddrs: []string{"r1:7000"}, Epoch: 3}},
	}}
	require.NoError(t, m.UpdateReplicators(meta))
	require.ErrorIs(t, m.UpdateReplicators(meta), ErrOldEpoch)
	require.Equal(t, uint64(3), m.CurrentEpoch())
}

func TestGetMetadataReport_ContainsDBAndMaster(t *testing.T) {
	m := NewManager()
	meta := Meta{Epoch: 1, Databases: map[string][]Assignment{
		"db0": {{MasterAddr: "m1:7000", ReplicaAddrs: []string{"r1:7000", "r2:7000"}, Epoch: 1}},
	}}
	require.NoError(t, m.UpdateReplicators(meta))

	report := m.GetMetadataReport()
	require.Contains(t, report, "db:db0")
	require.Contains(t, report, "master:m1:7000")
	require.Contains(t, report, "r1:7000,r2:7000")
}

func TestClear_ResetsEpoch(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.UpdateReplicators(Meta{Epoch: 5, Databases: map[string][]Assignment{}}))
	m.Clear()
	require.Equal(t, uint64(0), m.CurrentEpoch())
	require.NoError(t, m.UpdateReplicators(Meta{Epoch: 1, Databases: map[string][]Assignment{}}))
}

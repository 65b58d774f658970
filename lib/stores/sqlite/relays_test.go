package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrhive/nostrhive/lib/nostr"
	"github.com/nostrhive/nostrhive/lib/stores"
	"github.com/nostrhive/nostrhive/lib/types"
)

func testRelayRecord(id string) *types.Relay {
	return &types.Relay{
		ID:          id,
		Name:        "Test Relay",
		Description: "a hosted relay",
		Pubkey:      "aa" + pubkeyHex(1)[2:],
		Contact:     "admin@example.com",
		Active:      true,
		Spec: types.RelaySpec{
			PubkeyQuotaBytes: 10000,
			PruneEnabled:     true,
			MaxEventSize:     2048,
			KindSizeLimits:   []types.KindSizeLimit{{Kind: 1, MaxSize: 1024}},
		},
	}
}

func TestRelayCRUD_Roundtrip(t *testing.T) {
	store := setupTestStore(t)

	created, err := store.CreateRelay("user-1", testRelayRecord("r1"))
	require.NoError(t, err)
	assert.Equal(t, "user-1", created.UserID)
	assert.Equal(t, "Test Relay", created.Name)
	assert.Equal(t, int64(10000), created.Spec.PubkeyQuotaBytes)
	assert.Equal(t, 1024, created.Spec.MaxSizeForKind(1))
	assert.Equal(t, 2048, created.Spec.MaxSizeForKind(7))

	created.Name = "Renamed"
	created.Spec.PruneEnabled = false
	require.NoError(t, store.UpdateRelay("user-1", created))

	got, err := store.GetRelay("user-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.False(t, got.Spec.PruneEnabled)

	// Public lookup does not need the owner.
	pub, err := store.GetPublicRelay("r1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", pub.Name)

	list, err := store.ListRelays("user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRelayCRUD_OwnershipEnforced(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.CreateRelay("user-1", testRelayRecord("r1"))
	require.NoError(t, err)

	_, err = store.GetRelay("user-2", "r1")
	assert.ErrorIs(t, err, stores.ErrRelayNotFound)

	r := testRelayRecord("r1")
	assert.ErrorIs(t, store.UpdateRelay("user-2", r), stores.ErrRelayNotFound)
	assert.ErrorIs(t, store.DeleteRelay("user-2", "r1"), stores.ErrRelayNotFound)
}

func TestDeleteRelay_PurgesEvents(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.CreateRelay("user-1", testRelayRecord("r1"))
	require.NoError(t, err)

	mustSave(t, store, "r1", testEvent(1, pubkeyHex(1), 1, 100, nostr.Tag{"e", "abc"}))

	require.NoError(t, store.DeleteRelay("user-1", "r1"))

	var eventCount, tagCount int64
	require.NoError(t, store.DB.Model(&EventRow{}).Where("relay_id = ?", "r1").Count(&eventCount).Error)
	require.NoError(t, store.DB.Model(&EventTagRow{}).Where("relay_id = ?", "r1").Count(&tagCount).Error)
	assert.Zero(t, eventCount)
	assert.Zero(t, tagCount)

	_, err = store.GetPublicRelay("r1")
	assert.ErrorIs(t, err, stores.ErrRelayNotFound)
}

func TestActiveRelaySpecs(t *testing.T) {
	store := setupTestStore(t)

	active := testRelayRecord("r1")
	_, err := store.CreateRelay("user-1", active)
	require.NoError(t, err)

	inactive := testRelayRecord("r2")
	inactive.Active = false
	_, err = store.CreateRelay("user-1", inactive)
	require.NoError(t, err)

	specs, err := store.ActiveRelaySpecs()
	require.NoError(t, err)

	require.Contains(t, specs, "r1")
	assert.NotContains(t, specs, "r2")
	assert.Equal(t, int64(10000), specs["r1"].PubkeyQuotaBytes)
}

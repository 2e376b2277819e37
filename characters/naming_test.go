package characters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSafeBaseName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Kai.png", "Kai"},
		{"  Kai.png  ", "Kai"},
		{"my cool cat!!.jpeg", "my_cool_cat"},
		{"米娜.png", "米娜"},
		{"a--b_c.webp", "a--b_c"},
		{"a   b", "a_b"},
		{"__trimmed__", "trimmed"},
		{"...", "file"},
		{"", "file"},
		{"!!!.png", "file"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveSafeBaseName(tc.in), "input %q", tc.in)
	}
}

func TestDeriveSafeBaseNameIdempotent(t *testing.T) {
	inputs := []string{"Kai.png", "my cool cat!!.jpeg", "米娜", "a   b", "..."}
	for _, in := range inputs {
		once := DeriveSafeBaseName(in)
		assert.Equal(t, once, DeriveSafeBaseName(once), "input %q", in)
	}
}

func TestAllocateUniqueNamePicksLowestFreeSlot(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	seed := []string{"Kai.png", "Kai(1).png", "Kai(3).png"}
	for _, name := range seed {
		require.NoError(t, service.db.Create(&CharImage{
			UserID:   1,
			FileName: name,
			FilePath: "http://blobs.test/assets/uploads/" + name,
			Role:     RoleMain,
		}).Error)
	}

	name, err := service.AllocateUniqueName(ctx, 1, "Kai", ".png")
	require.NoError(t, err)
	assert.Equal(t, "Kai(2).png", name)
}

func TestAllocateUniqueNameIsCaseInsensitive(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, service.db.Create(&CharImage{
		UserID:   1,
		FileName: "kai.PNG",
		FilePath: "http://blobs.test/assets/uploads/kai.PNG",
		Role:     RoleMain,
	}).Error)

	name, err := service.AllocateUniqueName(ctx, 1, "Kai", ".png")
	require.NoError(t, err)
	assert.Equal(t, "Kai(1).png", name)
}

func TestAllocateUniqueNameScopesToUser(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, service.db.Create(&CharImage{
		UserID:   2,
		FileName: "Kai.png",
		FilePath: "http://blobs.test/assets/uploads/Kai.png",
		Role:     RoleMain,
	}).Error)

	name, err := service.AllocateUniqueName(ctx, 1, "Kai", ".png")
	require.NoError(t, err)
	assert.Equal(t, "Kai.png", name)
}

func TestAllocateUniqueNameIgnoresSuffixedNeighbours(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	// Kai_head.png starts with "Kai" but is a different identity; it must
	// not push Kai.png into a (1) slot.
	require.NoError(t, service.db.Create(&CharImage{
		UserID:   1,
		FileName: "Kai_head.png",
		FilePath: "http://blobs.test/assets/uploads/Kai_head.png",
		Role:     RoleHead,
	}).Error)

	name, err := service.AllocateUniqueName(ctx, 1, "Kai", ".png")
	require.NoError(t, err)
	assert.Equal(t, "Kai.png", name)
}

func TestAllocateUniqueNameHonoursReservedSet(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	reserved := map[string]struct{}{"kai.png": {}}
	name, err := service.allocateUniqueName(ctx, 1, "Kai", ".png", reserved)
	require.NoError(t, err)
	assert.Equal(t, "Kai(1).png", name)
}

func TestStripIdentity(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Kai.png", "Kai"},
		{"Kai_head.png", "Kai"},
		{"KAI_BODY.PNG", "KAI"},
		{"Kai(1).png", "Kai(1)"},
		{"Nia_head(1).png", "Nia(1)"},
		{"Kai_profile.json", "Kai_profile"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, stripIdentity(tc.in), "input %q", tc.in)
	}
}

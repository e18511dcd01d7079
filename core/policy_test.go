package apkpack_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apkcore "github.com/meigma/apkpack/core"
)

func TestPolicy_Method(t *testing.T) {
	t.Parallel()

	p, err := apkcore.NewPolicy(
		apkcore.PolicyWithStoredNames(apkcore.DefaultStoredNames...),
		apkcore.PolicyWithStoredPatterns("lib/*/*.so", "res/raw/*"),
		apkcore.PolicyWithStoreFunc(func(name string) bool { return strings.HasPrefix(name, "keep/") }),
		apkcore.PolicyWithLevel(9),
	)
	require.NoError(t, err)
	assert.Equal(t, 9, p.Level())

	tests := []struct {
		name string
		want apkcore.Method
	}{
		{"resources.arsc", apkcore.Stored{}},
		{"res/resources.arsc", apkcore.Deflated{Level: 9}},
		{"lib/arm64-v8a/libfoo.so", apkcore.Stored{}},
		{"lib/libfoo.so", apkcore.Deflated{Level: 9}},
		{"res/raw/song.bin", apkcore.Stored{}},
		{"keep/this", apkcore.Stored{}},
		{"classes.dex", apkcore.Deflated{Level: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, p.Method(tt.name))
			// Pure: repeated calls agree.
			assert.Equal(t, p.Method(tt.name), p.Method(tt.name))
		})
	}
}

func TestPolicy_Defaults(t *testing.T) {
	t.Parallel()

	p, err := apkcore.NewPolicy()
	require.NoError(t, err)
	assert.Equal(t, apkcore.Deflated{Level: apkcore.DefaultLevel}, p.Method("resources.arsc"))
}

func TestPolicy_Invalid(t *testing.T) {
	t.Parallel()

	_, err := apkcore.NewPolicy(apkcore.PolicyWithLevel(10))
	require.ErrorIs(t, err, apkcore.ErrInvalidPolicy)

	_, err = apkcore.NewPolicy(apkcore.PolicyWithLevel(-3))
	require.ErrorIs(t, err, apkcore.ErrInvalidPolicy)

	_, err = apkcore.NewPolicy(apkcore.PolicyWithStoredPatterns("lib/[*.so"))
	require.ErrorIs(t, err, apkcore.ErrInvalidPolicy)
}

func TestStoreKnownCompressed(t *testing.T) {
	t.Parallel()

	fn := apkcore.StoreKnownCompressed()
	assert.True(t, fn("res/drawable/icon.PNG"))
	assert.True(t, fn("assets/intro.mp4"))
	assert.False(t, fn("classes.dex"))
	assert.False(t, fn("png"))
}

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		input   string
		want    Category
		wantErr bool
	}{
		{input: "clip", want: CategoryClip},
		{input: "IMAGE_GENERATION", want: CategoryImageGeneration},
		{input: "stable_diffusion", want: CategoryImageGeneration},
		{input: " text_generation ", want: CategoryTextGeneration},
		{input: "video", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCategory(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCategoryFileNames(t *testing.T) {
	assert.Equal(t, "image_generation.json", CategoryImageGeneration.FileName())
	assert.Equal(t, "stable_diffusion.json", CategoryImageGeneration.LegacyFileName())
	assert.Equal(t, "db.json", CategoryTextGeneration.LegacyFileName())
	assert.Equal(t, "esrgan.json", CategoryESRGAN.LegacyFileName())
}

func TestCategoriesReturnsCopy(t *testing.T) {
	first := Categories()
	first[0] = "mutated"

	assert.Equal(t, CategoryBlip, Categories()[0])
	for _, c := range Categories() {
		assert.True(t, c.Valid(), "category %q should be valid", c)
	}
}

func TestPayloadCloneIsDeep(t *testing.T) {
	original := Payload{
		"modelA": map[string]any{
			"tags": []any{"a", "b"},
		},
	}

	cloned := original.Clone()
	cloned["modelA"].(map[string]any)["tags"].([]any)[0] = "changed"

	assert.Equal(t, "a", original["modelA"].(map[string]any)["tags"].([]any)[0])
	assert.Nil(t, Payload(nil).Clone())
}

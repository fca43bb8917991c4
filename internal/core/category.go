// Package core defines the categories, payload types and error taxonomy shared
// by every model reference backend.
package core

import (
	"fmt"
	"strings"
)

// Category names a partition of model reference data.
type Category string

const (
	CategoryBlip            Category = "blip"
	CategoryClip            Category = "clip"
	CategoryCodeformer      Category = "codeformer"
	CategoryControlnet      Category = "controlnet"
	CategoryESRGAN          Category = "esrgan"
	CategoryGFPGAN          Category = "gfpgan"
	CategorySafetyChecker   Category = "safety_checker"
	CategoryImageGeneration Category = "image_generation"
	CategoryTextGeneration  Category = "text_generation"
	CategoryMiscellaneous   Category = "miscellaneous"
)

// aliasStableDiffusion is the historical name of the image generation category.
const aliasStableDiffusion = "stable_diffusion"

var allCategories = []Category{
	CategoryBlip,
	CategoryClip,
	CategoryCodeformer,
	CategoryControlnet,
	CategoryESRGAN,
	CategoryGFPGAN,
	CategorySafetyChecker,
	CategoryImageGeneration,
	CategoryTextGeneration,
	CategoryMiscellaneous,
}

// Categories returns every known category in a stable order.
// The returned slice is a copy and may be modified by the caller.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// ParseCategory resolves a category name, accepting the "stable_diffusion" alias.
func ParseCategory(name string) (Category, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == aliasStableDiffusion {
		return CategoryImageGeneration, nil
	}
	for _, c := range allCategories {
		if string(c) == normalized {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category: %q", name)
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

func (c Category) String() string {
	return string(c)
}

// FileName is the name of the structured (v2) reference file.
func (c Category) FileName() string {
	return string(c) + ".json"
}

// LegacyFileName is the name of the legacy reference file, as published upstream.
func (c Category) LegacyFileName() string {
	switch c {
	case CategoryImageGeneration:
		return aliasStableDiffusion + ".json"
	case CategoryTextGeneration:
		return "db.json"
	default:
		return string(c) + ".json"
	}
}

// IsText reports whether the category is sourced from the text model repository.
func (c Category) IsText() bool {
	return c == CategoryTextGeneration
}

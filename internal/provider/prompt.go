package provider

import (
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"virtual-staging/internal/models"
)

// titleCase builds a caser per call; a cases.Caser keeps state and must not be shared.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

// RoomLabel renders a room type for display, e.g. "Living Room".
func RoomLabel(rt models.RoomType) string {
	return titleCase(rt.Label())
}

// StyleLabel renders a style for display, e.g. "Mid Century".
func StyleLabel(st models.Style) string {
	return titleCase(st.Label())
}

// BuildPrompt turns a room type and style into the staging instruction sent to backends.
func BuildPrompt(rt models.RoomType, st models.Style) string {
	return fmt.Sprintf(
		"Virtually stage this empty %s in the %s interior design style. "+
			"Add realistic furniture, decor and lighting appropriate for a %s. "+
			"Keep the walls, windows, floors, ceiling and camera perspective exactly as in the original photo. "+
			"Do not add people, text or watermarks.",
		rt.Label(), st.Label(), rt.Label(),
	)
}

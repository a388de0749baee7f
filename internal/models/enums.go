package models

import "strings"

// RoomType enumerates the rooms a photo can be staged as.
type RoomType string

const (
	RoomLivingRoom RoomType = "living-room"
	RoomBedroom    RoomType = "bedroom"
	RoomKitchen    RoomType = "kitchen"
	RoomDiningRoom RoomType = "dining-room"
	RoomBathroom   RoomType = "bathroom"
	RoomHomeOffice RoomType = "home-office"
	RoomKidsRoom   RoomType = "kids-room"
	RoomOutdoor    RoomType = "outdoor"
)

var roomTypes = map[RoomType]struct{}{
	RoomLivingRoom: {},
	RoomBedroom:    {},
	RoomKitchen:    {},
	RoomDiningRoom: {},
	RoomBathroom:   {},
	RoomHomeOffice: {},
	RoomKidsRoom:   {},
	RoomOutdoor:    {},
}

// Style enumerates the furnishing styles offered to users.
type Style string

const (
	StyleModern       Style = "modern"
	StyleScandinavian Style = "scandinavian"
	StyleIndustrial   Style = "industrial"
	StyleMinimalist   Style = "minimalist"
	StyleTraditional  Style = "traditional"
	StyleCoastal      Style = "coastal"
	StyleFarmhouse    Style = "farmhouse"
	StyleMidCentury   Style = "mid-century"
	StyleLuxury       Style = "luxury"
	StyleBohemian     Style = "bohemian"
)

var styles = map[Style]struct{}{
	StyleModern:       {},
	StyleScandinavian: {},
	StyleIndustrial:   {},
	StyleMinimalist:   {},
	StyleTraditional:  {},
	StyleCoastal:      {},
	StyleFarmhouse:    {},
	StyleMidCentury:   {},
	StyleLuxury:       {},
	StyleBohemian:     {},
}

// ParseRoomType normalizes raw input and reports whether it names a known room type.
func ParseRoomType(raw string) (RoomType, bool) {
	rt := RoomType(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := roomTypes[rt]
	return rt, ok
}

// ParseStyle normalizes raw input and reports whether it names a known style.
func ParseStyle(raw string) (Style, bool) {
	st := Style(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := styles[st]
	return st, ok
}

// Label renders the room type as words, e.g. "living room".
func (r RoomType) Label() string {
	return strings.ReplaceAll(string(r), "-", " ")
}

// Label renders the style as words, e.g. "mid century".
func (s Style) Label() string {
	return strings.ReplaceAll(string(s), "-", " ")
}

// ProgressStep is the coarse, advisory stage shown while a job runs.
type ProgressStep string

const (
	StepQueued        ProgressStep = "queued"
	StepPreprocessing ProgressStep = "preprocessing"
	StepGenerating    ProgressStep = "generating"
	StepUploading     ProgressStep = "uploading"
	StepCompleted     ProgressStep = "completed"
	StepFailed        ProgressStep = "failed"
)

package schemas

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// JobRequest is the submission payload consumed from the gateway
type JobRequest struct {
	ScriptContent   string      `json:"script_content"`
	AssetTypes      []AssetType `json:"asset_types"`
	NumAssets       int         `json:"num_assets,omitempty"`
	Model           string      `json:"model"`
	Resolution      string      `json:"resolution"`
	DurationSeconds int         `json:"duration_seconds"`
	Quality         string      `json:"quality"`
	IncludeAudio    bool        `json:"include_audio"`
}

var resolutionRe = regexp.MustCompile(`^(\d{2,5})x(\d{2,5})$`)

// ParseResolution splits a "WIDTHxHEIGHT" string into its dimensions.
func ParseResolution(s string) (width, height int, err error) {
	matches := resolutionRe.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return 0, 0, fmt.Errorf("invalid resolution %q, expected WIDTHxHEIGHT", s)
	}
	width, _ = strconv.Atoi(matches[1])
	height, _ = strconv.Atoi(matches[2])
	if width%2 != 0 || height%2 != 0 {
		return 0, 0, fmt.Errorf("resolution %q must have even dimensions", s)
	}
	return width, height, nil
}

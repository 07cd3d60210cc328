package pipeline

import (
	"fmt"
	"strings"
)

// Stage identifies one pipeline stage.
type Stage string

const (
	StageConversion Stage = "conversion"
	StageMerge      Stage = "merge"
	StageUpload     Stage = "upload"
)

// stageOrder is the fixed execution sequence; a run starts at the selected
// stage and always executes every later stage.
var stageOrder = []Stage{StageConversion, StageMerge, StageUpload}

// ParseStage validates a --start-from value.
func ParseStage(raw string) (Stage, error) {
	switch Stage(strings.ToLower(strings.TrimSpace(raw))) {
	case StageConversion:
		return StageConversion, nil
	case StageMerge:
		return StageMerge, nil
	case StageUpload:
		return StageUpload, nil
	default:
		return "", fmt.Errorf("unknown stage %q (expected conversion, merge, or upload)", raw)
	}
}

package schema

import (
	"fmt"
	"regexp"
)

// Parameter rules for actions whose params are not fully opaque. Devices
// re-validate on their side; rejecting here keeps bad values off the bus.

const (
	KeystoneLimit   = 40
	ImageShiftLimit = 100
)

var (
	inputPattern      = regexp.MustCompile(`^(HDMI1|HDMI2)$`)
	ratioPattern      = regexp.MustCompile(`^(4:3|16:9)$`)
	directionPattern  = regexp.MustCompile(`^(UP|DOWN|LEFT|RIGHT|ENTER|MENU|BACK)$`)
	adjustmentPattern = regexp.MustCompile(`^(H-IMAGE-SHIFT|V-IMAGE-SHIFT|H-KEYSTONE|V-KEYSTONE)$`)
)

// ValidateActionParams applies per-action parameter rules. Actions without
// rules pass through; the params map stays opaque for them.
func ValidateActionParams(action string, params map[string]any) error {
	switch action {
	case "set_input":
		return checkPattern(params, "input", inputPattern)
	case "set_aspect_ratio":
		return checkPattern(params, "ratio", ratioPattern)
	case "navigate":
		return checkPattern(params, "direction", directionPattern)
	case "adjust_image":
		return validateAdjustment(params)
	default:
		return nil
	}
}

func checkPattern(params map[string]any, key string, pattern *regexp.Regexp) error {
	raw, ok := params[key]
	if !ok {
		return fmt.Errorf("missing required param %q", key)
	}
	s, ok := raw.(string)
	if !ok || !pattern.MatchString(s) {
		return fmt.Errorf("invalid value for param %q: %v", key, raw)
	}
	return nil
}

func validateAdjustment(params map[string]any) error {
	if err := checkPattern(params, "adjustment", adjustmentPattern); err != nil {
		return err
	}
	adjustment := params["adjustment"].(string)

	value, ok := numericParam(params, "value")
	if !ok {
		return fmt.Errorf("missing or non-numeric param %q", "value")
	}

	switch adjustment {
	case "H-KEYSTONE", "V-KEYSTONE":
		if value < -KeystoneLimit || value > KeystoneLimit {
			return fmt.Errorf("keystone value must be between -%d and %d, got %d", KeystoneLimit, KeystoneLimit, value)
		}
	case "H-IMAGE-SHIFT", "V-IMAGE-SHIFT":
		if value < -ImageShiftLimit || value > ImageShiftLimit {
			return fmt.Errorf("image shift value must be between -%d and %d, got %d", ImageShiftLimit, ImageShiftLimit, value)
		}
	}
	return nil
}

func numericParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
